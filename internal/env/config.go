package env

import (
	"context"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Region    string `env:"MSRP_REGION"`
	DebugHTTP bool   `env:"MSRP_DEBUG_HTTP"`
	Debug     bool   `env:"MSRP_DEBUG"`

	Host     string `env:"MSRP_HOST,default=0.0.0.0"`
	Port     int    `env:"MSRP_PORT,default=2855"`
	HTTPPort int    `env:"MSRP_HTTP_PORT,default=2856"`

	// TriggerGranularity is the chunk size incoming bodies are stored and
	// reported at.
	TriggerGranularity int `env:"MSRP_TRIGGER_GRANULARITY,default=1024"`

	// StorageDir enables file backed containers for large messages.
	StorageDir    string `env:"MSRP_STORAGE_DIR"`
	FileThreshold int64  `env:"MSRP_FILE_THRESHOLD,default=1048576"`

	// MaxMessageSize refuses incoming messages announcing more bytes with
	// 413. MemoryLimit caps bodies kept in memory.
	MaxMessageSize int64 `env:"MSRP_MAX_MESSAGE_SIZE,default=1073741824"`
	MemoryLimit    int64 `env:"MSRP_MEMORY_LIMIT,default=67108864"`

	NatsURL  string `env:"MSRP_NATS_URL"`
	RedisURL string `env:"MSRP_REDIS_URL"`

	WriteIdle time.Duration `env:"MSRP_WRITE_IDLE,default=2s"`
}

func LoadConfig(ctx context.Context) (*Config, error) {
	config := Config{}

	if err := godotenv.Load(".env.local"); err != nil {
		if !os.IsNotExist(err) {
			panic(err)
		}
	}

	if err := envconfig.Process(ctx, &config); err != nil {
		return nil, err
	}

	return &config, nil
}
