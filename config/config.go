package config

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// EnvPrefix prefixes every environment override, e.g. FLICENSE_CLIENT_SERVER_URL.
const EnvPrefix = "FLICENSE"

var Global = New()

type Config struct {
	Port            int             `json:"port" validate:"gte=0,lte=65535"`
	AdminSecret     string          `json:"admin_secret" split_words:"true"`
	LogLevel        string          `json:"log_level" split_words:"true" validate:"omitempty,oneof=trace debug info warn warning error fatal panic"`
	Client          ClientOptions   `json:"client"`
	Sandbox         SandboxOptions  `json:"sandbox"`
	ServerOptions   ServerOptions   `json:"server_options" split_words:"true"`
	Database        string          `json:"database" validate:"oneof=sqlite mongo"`
	DatabaseOptions DatabaseOptions `json:"database_options" split_words:"true"`
}

// ClientOptions configures the purchase/verification library and the CLI.
type ClientOptions struct {
	ServerURL           string   `json:"server_url" split_words:"true" validate:"omitempty,url"`
	PushURL             string   `json:"push_url" split_words:"true" validate:"omitempty,url"`
	CACertFile          string   `json:"ca_cert_file" envconfig:"CA_CERT_FILE"`
	TrustKeyFile        string   `json:"trust_key_file" split_words:"true"`
	TrustKey            string   `json:"trust_key" split_words:"true"`
	SignatureAlg        string   `json:"signature_alg" split_words:"true" validate:"oneof=RS256 RS384 RS512 PS256 PS384 PS512 ES256 ES384 ES512"`
	Language            string   `json:"language"`
	RequestTimeout      Duration `json:"request_timeout" split_words:"true"`
	ConfirmationTimeout Duration `json:"confirmation_timeout" split_words:"true"`
	StrictCredentials   bool     `json:"strict_credentials" split_words:"true"`
	AccountFile         string   `json:"account_file" split_words:"true"`
	DialAttempts        int      `json:"dial_attempts" split_words:"true" validate:"gte=1"`
}

// SandboxOptions configures the local licensing server.
type SandboxOptions struct {
	SigningKeyFile string          `json:"signing_key_file" split_words:"true"`
	SignatureAlg   string          `json:"signature_alg" split_words:"true" validate:"oneof=RS256 RS384 RS512 PS256 PS384 PS512 ES256 ES384 ES512"`
	Licenses       []*LicenseOffer `json:"licenses" ignored:"true" validate:"dive"`
	Accounts       []*Account      `json:"accounts" ignored:"true" validate:"dive"`
}

// LicenseOffer is a license the sandbox sells.
type LicenseOffer struct {
	ID        string `json:"id" validate:"required"`
	Name      string `json:"name" validate:"required"`
	PackageID string `json:"package_id" validate:"required"`
	Price     string `json:"price"`
	Currency  string `json:"currency"`
}

// Free reports whether the offer is granted without payment.
func (o *LicenseOffer) Free() bool {
	return o.Price == "" || o.Price == "0" || o.Price == "0.00"
}

// Account is a sandbox user, looked up by access token.
type Account struct {
	Username    string `json:"username" validate:"required"`
	AccessToken string `json:"access_token" validate:"required"`
}

type ServerOptions struct {
	EnableTLS bool   `json:"enable_tls" envconfig:"ENABLE_TLS"`
	CertFile  string `json:"cert_file" split_words:"true"`
	KeyFile   string `json:"key_file" split_words:"true"`
}

type DatabaseOptions struct {
	SQLite SQLite `json:"sqlite" envconfig:"SQLITE"`
	Mongo  Mongo  `json:"mongo"`
}

type SQLite struct {
	Path string `json:"path"`
}

type Mongo struct {
	Type     string `json:"type"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Auth     bool   `json:"auth"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"dbName" envconfig:"DB_NAME"`
}

// New returns a Config holding the defaults.
func New() *Config {
	return &Config{
		Port:     4242,
		LogLevel: "info",
		Client: ClientOptions{
			SignatureAlg:        "RS256",
			Language:            "en",
			RequestTimeout:      Duration(30 * time.Second),
			ConfirmationTimeout: Duration(10 * time.Minute),
			DialAttempts:        3,
		},
		Sandbox: SandboxOptions{
			SignatureAlg: "RS256",
		},
		Database: "sqlite",
		DatabaseOptions: DatabaseOptions{
			SQLite: SQLite{Path: "f-license.db"},
			Mongo: Mongo{
				Type:   "mongodb",
				Host:   "localhost",
				Port:   27017,
				DBName: "f-license",
			},
		},
	}
}

// Load reads the JSON file at filePath (if it exists) over the current values, applies
// environment overrides and validates the result.
func (c *Config) Load(filePath string) error {
	if filePath != "" {
		configuration, err := ioutil.ReadFile(filePath)
		switch {
		case os.IsNotExist(err):
			logrus.Debugf("Config file %s not found, using defaults and environment", filePath)
		case err != nil:
			logrus.WithError(err).Error("Couldn't read config file")
			return errors.Wrap(err, "couldn't read config file")
		default:
			if err := json.Unmarshal(configuration, c); err != nil {
				logrus.WithError(err).Error("Couldn't unmarshal configuration")
				return errors.Wrap(err, "couldn't unmarshal configuration")
			}
		}
	}

	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return errors.Wrap(err, "couldn't apply environment configuration")
	}

	return c.Validate()
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	return nil
}

// TrustKeyPEM returns the client trust key, preferring the inline value over the file.
func (c *ClientOptions) TrustKeyPEM() ([]byte, error) {
	if c.TrustKey != "" {
		return []byte(c.TrustKey), nil
	}

	if c.TrustKeyFile == "" {
		return nil, errors.New("neither trust key nor trust key file provided")
	}

	key, err := ioutil.ReadFile(c.TrustKeyFile)
	if err != nil {
		return nil, errors.Wrapf(err, "couldn't read trust key file %s", c.TrustKeyFile)
	}

	return key, nil
}

// CACert returns the pinned server CA, or "" when the system pool is used.
func (c *ClientOptions) CACert() (string, error) {
	if c.CACertFile == "" {
		return "", nil
	}

	cert, err := ioutil.ReadFile(c.CACertFile)
	if err != nil {
		return "", errors.Wrapf(err, "couldn't read CA certificate %s", c.CACertFile)
	}

	return string(cert), nil
}

// Offer returns the sandbox license with the given ID.
func (s *SandboxOptions) Offer(id string) (*LicenseOffer, bool) {
	for _, o := range s.Licenses {
		if o.ID == id {
			return o, true
		}
	}

	return nil, false
}


// AccountByToken returns the sandbox account owning the access token.
func (s *SandboxOptions) AccountByToken(token string) (*Account, bool) {
	if token == "" {
		return nil, false
	}

	for _, a := range s.Accounts {
		if a.AccessToken == token {
			return a, true
		}
	}

	return nil, false
}

// Duration is a time.Duration written as "90s" in JSON and environment variables.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return errors.New("duration must be a string like \"90s\" or nanoseconds")
		}
		*d = Duration(n)
		return nil
	}

	return d.Decode(s)
}

// Decode implements envconfig.Decoder.
func (d *Duration) Decode(value string) error {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", value)
	}

	*d = Duration(parsed)
	return nil
}
