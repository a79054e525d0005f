package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"sleepwake/internal/timeofday"
)

// Env is the process configuration read from environment variables
type Env struct {
	PlayerURL     string
	PlayerTimeout time.Duration
	SettingsFile  string
	HTTPPort      int
	Timezone      *time.Location
	Location      *timeofday.Location
	LogLevel      string
	LogFile       string
	DevLogging    bool
}

// LoadEnv builds an Env from getenv, usually os.Getenv after godotenv.Load
func LoadEnv(getenv func(string) string) (*Env, error) {
	env := &Env{
		PlayerURL:    "http://localhost:3000",
		SettingsFile: "sleepwake.yaml",
		HTTPPort:     8081,
		Timezone:     time.Local,
		LogLevel:     "info",
	}

	if v := getenv("PLAYER_URL"); v != "" {
		env.PlayerURL = v
	}
	if v := getenv("PLAYER_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("invalid PLAYER_TIMEOUT %q", v)
		}
		env.PlayerTimeout = d
	}
	if v := getenv("SETTINGS_FILE"); v != "" {
		env.SettingsFile = v
	}
	if v := getenv("HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 0 || port > 65535 {
			return nil, fmt.Errorf("invalid HTTP_PORT %q", v)
		}
		env.HTTPPort = port
	}
	if v := getenv("TIMEZONE"); v != "" {
		loc, err := time.LoadLocation(v)
		if err != nil {
			return nil, fmt.Errorf("invalid TIMEZONE %q: %w", v, err)
		}
		env.Timezone = loc
	}

	lat, lon := getenv("LATITUDE"), getenv("LONGITUDE")
	if lat != "" || lon != "" {
		loc, err := parseLocation(lat, lon)
		if err != nil {
			return nil, err
		}
		env.Location = loc
	}

	if v := getenv("LOG_LEVEL"); v != "" {
		env.LogLevel = strings.ToLower(v)
	}
	env.LogFile = getenv("LOG_FILE")
	env.DevLogging = getenv("DEV_LOGGING") == "true"

	return env, nil
}

func parseLocation(lat, lon string) (*timeofday.Location, error) {
	if lat == "" || lon == "" {
		return nil, fmt.Errorf("LATITUDE and LONGITUDE must be set together")
	}
	latitude, err := strconv.ParseFloat(lat, 64)
	if err != nil || latitude < -90 || latitude > 90 {
		return nil, fmt.Errorf("invalid LATITUDE %q", lat)
	}
	longitude, err := strconv.ParseFloat(lon, 64)
	if err != nil || longitude < -180 || longitude > 180 {
		return nil, fmt.Errorf("invalid LONGITUDE %q", lon)
	}
	return &timeofday.Location{Latitude: latitude, Longitude: longitude}, nil
}
