package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Call      CallConfig
	Log       LogConfig
	Users     []UserSeed `mapstructure:"users"`
}

type ServerConfig struct {
	Address string
	Auth    AuthConfig
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwtSecret"`
	TokenTTL  time.Duration `mapstructure:"tokenTTL"`
}

type TransportConfig struct {
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
}

// CallConfig is consumed by the client-side call package; the server itself
// never inspects signaling payloads.
type CallConfig struct {
	STUNServers   []string      `mapstructure:"stunServers"`
	InviteTimeout time.Duration `mapstructure:"inviteTimeout"`
}

type LogConfig struct {
	Level string
}

// UserSeed is one entry of the bootstrap user directory. A real deployment
// would back the directory with its account store instead.
type UserSeed struct {
	ID       string `mapstructure:"id"`
	FullName string `mapstructure:"fullName"`
	Email    string `mapstructure:"email"`
}
