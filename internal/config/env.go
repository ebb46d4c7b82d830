package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Env holds process settings read from the environment, optionally seeded from .env files.
type Env struct {
	ChainsFile       string
	DataDir          string
	KeystoreDir      string
	KeystorePassword string
	RelayerAddress   string
	HTTPAddr         string
	NATSURL          string
	NATSSubject      string
	RelayerAPIURL    string
	LogLevel         string
	LogFormat        string
	PollInterval     time.Duration
	MaxAttempts      int
}

// LoadEnv reads the given .env files (default ".env"); missing files are not an error.
func LoadEnv(files ...string) (Env, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Env{}, err
		}
	}

	env := Env{
		ChainsFile:       getenv("CHAINS_FILE", "chains.yaml"),
		DataDir:          getenv("DATA_DIR", "data"),
		KeystoreDir:      getenv("KEYSTORE_DIR", "data/keys"),
		KeystorePassword: os.Getenv("KEYSTORE_PASSWORD"),
		RelayerAddress:   os.Getenv("RELAYER_ADDRESS"),
		HTTPAddr:         getenv("HTTP_ADDR", ":8000"),
		NATSURL:          os.Getenv("NATS_URL"),
		NATSSubject:      getenv("NATS_SUBJECT", "intents.orders"),
		RelayerAPIURL:    getenv("RELAYER_API_URL", "http://localhost:8000"),
		LogLevel:         getenv("LOG_LEVEL", "info"),
		LogFormat:        getenv("LOG_FORMAT", "text"),
	}

	var err error
	if env.PollInterval, err = time.ParseDuration(getenv("POLL_INTERVAL", "2s")); err != nil {
		return Env{}, err
	}
	if env.MaxAttempts, err = strconv.Atoi(getenv("RELAY_MAX_ATTEMPTS", "5")); err != nil {
		return Env{}, err
	}
	if env.KeystorePassword == "" {
		return Env{}, errors.New("KEYSTORE_PASSWORD is required")
	}
	return env, nil
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}
