package internal

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Host     string `env:"HOST,default=0.0.0.0"`
	Port     int    `env:"PORT,default=8080"`
	LogLevel string `env:"LOG_LEVEL,default=INFO"`
	// TrustProxy takes the client address from X-Forwarded-For or X-Real-IP.
	// Only enable it behind a proxy that overwrites those headers.
	TrustProxy bool `env:"TRUST_PROXY,default=false"`

	// RoomBackend is a backend tag followed by its arguments, e.g. "fs /var/lib/rooms".
	RoomBackend   string `env:"ROOM_BACKEND,default=none"`
	RoomCacheSize int    `env:"ROOM_CACHE_SIZE,default=1024"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL,default=30s"`
	HistoryLimit      int           `env:"HISTORY_LIMIT,default=1024"`
	StreamBufferSize  int           `env:"STREAM_BUFFER_SIZE,default=256"`

	BlockMaxCount  int           `env:"BLOCK_MAX_COUNT,default=5"`
	BlockWindow    time.Duration `env:"BLOCK_WINDOW,default=24h"`
	CreateMaxCount int           `env:"CREATE_MAX_COUNT,default=5"`
	CreateWindow   time.Duration `env:"CREATE_WINDOW,default=24h"`

	CensoredWords   string `env:"CENSORED_WORDS"`
	CharReplacement string `env:"CHARACTER_REPLACEMENT,default=*"`

	SearchIndexPath string        `env:"SEARCH_INDEX_PATH"`
	MetricInterval  time.Duration `env:"METRIC_INTERVAL,default=1m"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
}

func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Words splits CENSORED_WORDS on commas, dropping blanks.
func (c Config) Words() []string {
	var words []string
	for _, w := range strings.Split(c.CensoredWords, ",") {
		if w = strings.TrimSpace(w); w != "" {
			words = append(words, w)
		}
	}
	return words
}

func CharacterRune(str string) (rune, error) {
	r := []rune(str)
	if len(r) != 1 {
		return 0, fmt.Errorf(
			"CHARACTER_REPLACEMENT must be a single character, got %q",
			str,
		)
	}
	return r[0], nil
}
