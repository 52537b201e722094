package credentials

import (
	"errors"
	"fmt"
	"testing"
)

type scriptedAsker struct {
	answers []string
	asked   []string
	echoes  []bool
	err     error
}

func (a *scriptedAsker) Ask(prompt string, echo bool) (string, error) {
	a.asked = append(a.asked, prompt)
	a.echoes = append(a.echoes, echo)
	if a.err != nil {
		return "", a.err
	}
	if len(a.answers) == 0 {
		return "", nil
	}
	answer := a.answers[0]
	a.answers = a.answers[1:]
	return answer, nil
}

func strPtr(s string) *string { return &s }

func TestDecidePrompts(t *testing.T) {
	tests := []struct {
		name  string
		creds Credentials
		want  []Field
	}{
		{"unsecure never prompts", Credentials{Unsecure: true}, nil},
		{"both set", Credentials{Username: strPtr("u"), Password: NewSecret("p")}, nil},
		{"both missing", Credentials{}, []Field{FieldUsername, FieldPassword}},
		{"username missing", Credentials{Password: NewSecret("p")}, []Field{FieldUsername}},
		{"password missing", Credentials{Username: strPtr("u")}, []Field{FieldPassword}},
		{"empty answers count as set", Credentials{Username: strPtr(""), Password: NewSecret("")}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DecidePrompts(&tt.creds)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d prompts, want %d", len(got), len(tt.want))
			}
			for i, p := range got {
				if p.Field != tt.want[i] {
					t.Fatalf("prompt %d = %s, want %s", i, p.Field, tt.want[i])
				}
				if p.Field == FieldPassword && p.Echo {
					t.Fatal("password prompt must not echo")
				}
				if p.Field == FieldUsername && !p.Echo {
					t.Fatal("username prompt must echo")
				}
			}
		})
	}
}

func TestResolvePromptsOnceEach(t *testing.T) {
	asker := &scriptedAsker{answers: []string{"CORP\\admin", "hunter2"}}
	r := NewResolver(asker)
	creds := &Credentials{}

	if err := r.Resolve(creds); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(asker.asked) != 2 {
		t.Fatalf("expected 2 prompts, got %d", len(asker.asked))
	}
	if asker.asked[0] != UsernamePrompt || asker.asked[1] != PasswordPrompt {
		t.Fatalf("unexpected prompt order: %v", asker.asked)
	}
	if !asker.echoes[0] || asker.echoes[1] {
		t.Fatalf("unexpected echo flags: %v", asker.echoes)
	}
	if *creds.Username != "CORP\\admin" || creds.Password.Reveal() != "hunter2" {
		t.Fatal("answers not stored")
	}

	// Second resolve in the same run must not prompt again.
	if err := r.Resolve(creds); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(asker.asked) != 2 {
		t.Fatalf("resolve should be idempotent, got %d prompts", len(asker.asked))
	}
}

func TestResolveNoPromptWhenProvided(t *testing.T) {
	asker := &scriptedAsker{}
	creds := &Credentials{Username: strPtr("u"), Password: NewSecret("p")}
	if err := NewResolver(asker).Resolve(creds); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(asker.asked) != 0 {
		t.Fatalf("expected no prompts, got %v", asker.asked)
	}
}

func TestResolveUnsecure(t *testing.T) {
	asker := &scriptedAsker{}
	creds := &Credentials{Unsecure: true}
	if err := NewResolver(asker).Resolve(creds); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(asker.asked) != 0 {
		t.Fatal("unsecure must not prompt")
	}
	if creds.Username != nil || creds.Password != nil {
		t.Fatal("unsecure must leave credentials absent")
	}
}

func TestResolveEmptyAnswerPassedThrough(t *testing.T) {
	asker := &scriptedAsker{answers: []string{"", ""}}
	creds := &Credentials{}
	if err := NewResolver(asker).Resolve(creds); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if creds.Username == nil || *creds.Username != "" {
		t.Fatal("empty username should be stored as-is")
	}
	if creds.Password == nil || creds.Password.Reveal() != "" {
		t.Fatal("empty password should be stored as-is")
	}
}

func TestResolvePromptError(t *testing.T) {
	eof := errors.New("EOF")
	creds := &Credentials{}
	err := NewResolver(&scriptedAsker{err: eof}).Resolve(creds)
	if !errors.Is(err, eof) {
		t.Fatalf("expected wrapped EOF, got %v", err)
	}
	if creds.Username != nil {
		t.Fatal("failed prompt must not fill the field")
	}
}

func TestSecretZero(t *testing.T) {
	s := NewSecret("hunter2")
	raw := s.b
	s.Zero()
	for _, b := range raw {
		if b != 0 {
			t.Fatal("secret bytes not zeroed")
		}
	}
	if s.Reveal() != "" {
		t.Fatal("zeroed secret should be empty")
	}

	var nilSecret *Secret
	nilSecret.Zero()
	if nilSecret.Reveal() != "" {
		t.Fatal("nil secret should be empty")
	}
}

func TestSecretNotFormatted(t *testing.T) {
	s := NewSecret("hunter2")
	if got := fmt.Sprintf("%#v", s); got != "credentials.Secret{REDACTED}" {
		t.Fatalf("GoString leaked: %s", got)
	}
	if got := fmt.Sprintf("%v %s", s, s); got != "REDACTED REDACTED" {
		t.Fatalf("String leaked: %s", got)
	}
}

func TestCredentialsZero(t *testing.T) {
	c := &Credentials{Username: strPtr("u"), Password: NewSecret("p")}
	c.Zero()
	if c.Password != nil {
		t.Fatal("password should be dropped")
	}
	if c.Complete() {
		t.Fatal("zeroed credentials should need a password prompt")
	}
}
