package main

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// QuestionSource is the narrow interface to the question bank
// collaborator. Implementations return the full ordered deck; the session
// indexes into it per team.
type QuestionSource interface {
	Questions(ctx context.Context, deck string) ([]Question, error)
}

// newQuestionSource picks a backend from the config: a sqlite file, an
// external REST bank, or the embedded sample decks.
func newQuestionSource(cfg *Config) (QuestionSource, error) {
	switch {
	case cfg.questionDB != "":
		return newSQLiteBank(cfg.questionDB)
	case cfg.questionBank != "":
		return newHTTPBank(cfg.questionBank), nil
	default:
		return newEmbeddedBank()
	}
}

func validateQuestions(deck string, questions []Question) error {
	for i, q := range questions {
		if len(q.Options) < 2 {
			return fmt.Errorf("deck %q: question %d has %d options, need at least 2", deck, i, len(q.Options))
		}
		if q.CorrectIndex < 0 || q.CorrectIndex >= len(q.Options) {
			return fmt.Errorf("deck %q: question %d has correct index %d out of range", deck, i, q.CorrectIndex)
		}
	}
	return nil
}

// ---- Embedded decks ----

//go:embed decks/*.json
var deckFiles embed.FS

type embeddedBank struct {
	decks map[string][]Question
}

func newEmbeddedBank() (*embeddedBank, error) {
	entries, err := deckFiles.ReadDir("decks")
	if err != nil {
		return nil, err
	}

	bank := &embeddedBank{decks: make(map[string][]Question)}
	for _, entry := range entries {
		name := strings.TrimSuffix(entry.Name(), ".json")

		data, err := deckFiles.ReadFile("decks/" + entry.Name())
		if err != nil {
			return nil, err
		}

		var questions []Question
		if err := json.Unmarshal(data, &questions); err != nil {
			return nil, fmt.Errorf("deck %q: %w", name, err)
		}
		if err := validateQuestions(name, questions); err != nil {
			return nil, err
		}

		bank.decks[name] = questions
	}
	return bank, nil
}

func (b *embeddedBank) Questions(_ context.Context, deck string) ([]Question, error) {
	questions, ok := b.decks[deck]
	if !ok {
		return nil, fmt.Errorf("unknown deck: %q", deck)
	}
	return questions, nil
}

// ---- External REST bank ----

type httpBank struct {
	baseURL string
	client  *http.Client
}

func newHTTPBank(baseURL string) *httpBank {
	return &httpBank{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (b *httpBank) Questions(ctx context.Context, deck string) ([]Question, error) {
	endpoint := b.baseURL + "/decks/" + url.PathEscape(deck) + "/questions"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("question bank returned status %d for deck %q", resp.StatusCode, deck)
	}

	var questions []Question
	if err := json.NewDecoder(resp.Body).Decode(&questions); err != nil {
		return nil, err
	}
	if err := validateQuestions(deck, questions); err != nil {
		return nil, err
	}
	return questions, nil
}

// ---- Sqlite bank ----

type sqliteBank struct {
	db *sql.DB
}

func newSQLiteBank(path string) (*sqliteBank, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS questions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			deck TEXT NOT NULL,
			text TEXT NOT NULL,
			options TEXT NOT NULL,
			correct_index INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS questions_deck ON questions (deck);
	`)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &sqliteBank{db: db}, nil
}

func (b *sqliteBank) AddQuestion(deck string, q Question) error {
	options, err := json.Marshal(q.Options)
	if err != nil {
		return err
	}
	_, err = b.db.Exec(
		"INSERT INTO questions (deck, text, options, correct_index) VALUES (?, ?, ?, ?)",
		deck, strings.TrimSpace(q.Text), string(options), q.CorrectIndex,
	)
	return err
}

func (b *sqliteBank) Questions(ctx context.Context, deck string) ([]Question, error) {
	rows, err := b.db.QueryContext(ctx,
		"SELECT text, options, correct_index FROM questions WHERE deck = ? ORDER BY id", deck)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var questions []Question
	for rows.Next() {
		var q Question
		var options string
		if err := rows.Scan(&q.Text, &options, &q.CorrectIndex); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(options), &q.Options); err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := validateQuestions(deck, questions); err != nil {
		return nil, err
	}
	return questions, nil
}

func (b *sqliteBank) Close() error {
	return b.db.Close()
}
