package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gizchat/internal/models"
	"gizchat/internal/service"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm/clause"
)

// Fixtures is a hand-written data set, usually loaded from YAML:
//
//	users:
//	  - username: ann
//	    first_name: Ann
//	conversations:
//	  - between: [ann, bob]
//	    messages:
//	      - from: ann
//	        text: hi
type Fixtures struct {
	Users         []FixtureUser         `yaml:"users"`
	Conversations []FixtureConversation `yaml:"conversations"`
}

type FixtureUser struct {
	Username  string `yaml:"username"`
	FirstName string `yaml:"first_name"`
	LastName  string `yaml:"last_name"`
	Email     string `yaml:"email"`
}

// FixtureConversation is opened by the first user in Between.
type FixtureConversation struct {
	Between  []string         `yaml:"between"`
	Messages []FixtureMessage `yaml:"messages"`
}

type FixtureMessage struct {
	From  string             `yaml:"from"`
	Type  models.MessageType `yaml:"type"`
	Text  string             `yaml:"text"`
	Image string             `yaml:"image"`
	Ratio *float64           `yaml:"ratio"`
}

// ParseFixtures decodes YAML fixtures and checks references between them.
func ParseFixtures(r io.Reader) (*Fixtures, error) {
	var f Fixtures
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode fixtures: %w", err)
	}

	known := make(map[string]bool, len(f.Users))
	for _, u := range f.Users {
		if u.Username == "" {
			return nil, errors.New("fixture user without username")
		}
		known[u.Username] = true
	}
	for i, c := range f.Conversations {
		if len(c.Between) != 2 || c.Between[0] == c.Between[1] {
			return nil, fmt.Errorf("conversation %d: between needs two distinct users", i)
		}
		for _, name := range c.Between {
			if !known[name] {
				return nil, fmt.Errorf("conversation %d: unknown user %q", i, name)
			}
		}
		for j, m := range c.Messages {
			if m.From != c.Between[0] && m.From != c.Between[1] {
				return nil, fmt.Errorf("conversation %d message %d: %q is not a participant", i, j, m.From)
			}
		}
	}
	return &f, nil
}

// LoadFixtureFile parses and applies the YAML file at path.
func (s *Seeder) LoadFixtureFile(ctx context.Context, path string) (Result, error) {
	fh, err := os.Open(path)
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = fh.Close() }()

	f, err := ParseFixtures(fh)
	if err != nil {
		return Result{}, err
	}
	return s.ApplyFixtures(ctx, f)
}

// ApplyFixtures upserts users by username and creates conversations that do
// not exist yet. Messages are only sent into conversations this call created,
// so applying the same fixtures twice does not duplicate history.
func (s *Seeder) ApplyFixtures(ctx context.Context, f *Fixtures) (Result, error) {
	var res Result
	ids := make(map[string]uint, len(f.Users))

	for _, fu := range f.Users {
		user := models.User{
			Username:  fu.Username,
			FirstName: fu.FirstName,
			LastName:  fu.LastName,
			Email:     fu.Email,
		}
		err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "username"}},
			DoUpdates: clause.AssignmentColumns([]string{"first_name", "last_name", "email", "updated_at"}),
		}).Create(&user).Error
		if err != nil {
			return res, fmt.Errorf("upsert user %s: %w", fu.Username, err)
		}

		stored, err := s.store.Users().GetByUsername(ctx, fu.Username)
		if err != nil {
			return res, err
		}
		if stored == nil {
			return res, fmt.Errorf("user %s missing after upsert", fu.Username)
		}
		ids[fu.Username] = stored.ID
		res.Users++
	}

	for _, fc := range f.Conversations {
		conv, created, err := s.store.Conversations().GetOrCreate(ctx, ids[fc.Between[0]], ids[fc.Between[1]])
		if err != nil {
			return res, err
		}
		res.Conversations++
		if !created {
			continue
		}
		for _, fm := range fc.Messages {
			_, _, err := s.chat.SendMessage(ctx, models.MessageDraft{
				ConversationID: conv.ID,
				SenderID:       ids[fm.From],
				Type:           fm.Type,
				Body:           fm.Text,
				Image:          fm.Image,
				Ratio:          fm.Ratio,
			}, service.SourceHTTP)
			if err != nil {
				return res, fmt.Errorf("conversation %v: %w", fc.Between, err)
			}
			res.Messages++
		}
	}
	return res, nil
}
