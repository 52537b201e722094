// Package credentials resolves the domain account used to join or leave a
// domain. Missing fields are prompted for at most once per run and live
// only in process memory.
package credentials

import (
	"fmt"
	"log"
)

const (
	UsernamePrompt = "Please enter your domain username: "
	PasswordPrompt = "Please enter your domain password (output will be hidden): "
)

// Secret holds a password in a byte slice that can be zeroed.
type Secret struct {
	b []byte
}

// NewSecret copies s into a zeroable buffer.
func NewSecret(s string) *Secret {
	return &Secret{b: []byte(s)}
}

// Reveal returns the secret. Callers pass it straight to the script
// renderer and never log it.
func (s *Secret) Reveal() string {
	if s == nil {
		return ""
	}
	return string(s.b)
}

// String keeps secrets out of formatted output.
func (s *Secret) String() string { return "REDACTED" }

// GoString keeps secrets out of %#v output.
func (s *Secret) GoString() string { return "credentials.Secret{REDACTED}" }

// Zero overwrites the secret in place.
func (s *Secret) Zero() {
	if s == nil {
		return
	}
	for i := range s.b {
		s.b[i] = 0
	}
	s.b = nil
}

// Credentials is the account a join or leave runs as. A nil field is
// absent; a non-nil empty field was answered with an empty string.
type Credentials struct {
	Username *string
	Password *Secret
	Unsecure bool
}

// Complete reports whether no prompt is needed.
func (c *Credentials) Complete() bool {
	return len(DecidePrompts(c)) == 0
}

// Zero scrubs the password.
func (c *Credentials) Zero() {
	c.Password.Zero()
	c.Password = nil
}

// Field names what a prompt fills in.
type Field int

const (
	FieldUsername Field = iota
	FieldPassword
)

// Prompt is one question to put to the operator.
type Prompt struct {
	Field   Field
	Message string
	Echo    bool
}

// DecidePrompts returns the prompts needed to complete c, username first.
// Unsecure joins never prompt.
func DecidePrompts(c *Credentials) []Prompt {
	if c.Unsecure {
		return nil
	}
	var prompts []Prompt
	if c.Username == nil {
		prompts = append(prompts, Prompt{Field: FieldUsername, Message: UsernamePrompt, Echo: true})
	}
	if c.Password == nil {
		prompts = append(prompts, Prompt{Field: FieldPassword, Message: PasswordPrompt, Echo: false})
	}
	return prompts
}

// Asker puts a question to the operator.
type Asker interface {
	Ask(prompt string, echo bool) (string, error)
}

// Resolver fills in missing credentials by asking the operator.
type Resolver struct {
	asker Asker
}

// NewResolver returns a resolver that prompts through asker.
func NewResolver(asker Asker) *Resolver {
	return &Resolver{asker: asker}
}

// Resolve prompts for each missing field in order. Answers are stored
// as given, including empty ones, so repeated calls do not prompt again.
func (r *Resolver) Resolve(c *Credentials) error {
	for _, p := range DecidePrompts(c) {
		if p.Field == FieldUsername {
			log.Printf("[credentials] Requesting username as none provided")
		}
		answer, err := r.asker.Ask(p.Message, p.Echo)
		if err != nil {
			return fmt.Errorf("prompt for domain %s: %w", p.Field, err)
		}
		switch p.Field {
		case FieldUsername:
			c.Username = &answer
		case FieldPassword:
			c.Password = NewSecret(answer)
		}
	}
	return nil
}

func (f Field) String() string {
	if f == FieldPassword {
		return "password"
	}
	return "username"
}
