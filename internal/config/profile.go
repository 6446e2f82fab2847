package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// TokenEnv overrides the profile token when set.
const TokenEnv = "DEPTPORTAL_TOKEN"

// Profile is the per-profile profile.toml.
type Profile struct {
	BaseURL         string    `toml:"base_url" validate:"required,url"`
	Token           string    `toml:"token"`
	Feed            Feed      `toml:"feed"`
	RequestTimeout  Duration  `toml:"request_timeout" validate:"gt=0"`
	TypingTimeout   Duration  `toml:"typing_timeout" validate:"gt=0"`
	MaxAttachments  int       `toml:"max_attachments" validate:"gte=1,lte=20"`
	PageSize        int       `toml:"page_size" validate:"gte=1,lte=200"`
	ReconcileWindow Duration  `toml:"reconcile_window" validate:"gt=0"`
	SearchDebounce  Duration  `toml:"search_debounce" validate:"gte=0"`
	LogLevel        string    `toml:"log_level" validate:"oneof=debug info warn error"`
	Send            SendRetry `toml:"send"`
}

// Feed selects the live update transport.
type Feed struct {
	Kind    string `toml:"kind" validate:"oneof=websocket nats none"`
	URL     string `toml:"url" validate:"required_unless=Kind none"`
	Subject string `toml:"subject" validate:"required_if=Kind nats"`
}

// SendRetry is the backoff policy of one send.
type SendRetry struct {
	InitialInterval Duration `toml:"initial_interval" validate:"gt=0"`
	MaxInterval     Duration `toml:"max_interval" validate:"gtefield=InitialInterval"`
	MaxAttempts     int      `toml:"max_attempts" validate:"gte=1,lte=10"`
}

// Defaults returns a profile with every optional setting filled in.
func Defaults() Profile {
	return Profile{
		Feed:            Feed{Kind: "websocket"},
		RequestTimeout:  Duration(15 * time.Second),
		TypingTimeout:   Duration(8 * time.Second),
		MaxAttachments:  5,
		PageSize:        30,
		ReconcileWindow: Duration(2 * time.Minute),
		SearchDebounce:  Duration(300 * time.Millisecond),
		LogLevel:        "info",
		Send: SendRetry{
			InitialInterval: Duration(500 * time.Millisecond),
			MaxInterval:     Duration(5 * time.Second),
			MaxAttempts:     4,
		},
	}
}

// LoadProfile reads path over Defaults, applies TokenEnv and validates the
// result.
func LoadProfile(path string) (*Profile, error) {
	p := Defaults()
	md, err := toml.DecodeFile(path, &p)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}
	if tok := os.Getenv(TokenEnv); tok != "" {
		p.Token = tok
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &p, nil
}

// SaveProfile writes a profile with mode 0600; it holds the token.
func SaveProfile(path string, p *Profile) error {
	return writeTOML(path, p)
}

var validate = validator.New()

// Validate checks the profile against its struct tags.
func (p *Profile) Validate() error {
	err := validate.Struct(p)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s fails %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid profile: %s", strings.Join(msgs, "; "))
}
