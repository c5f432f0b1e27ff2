package config

import "os"

// OSEnvLoader implements EnvLoader using the os package.
type OSEnvLoader struct{}

func (o *OSEnvLoader) Getenv(key string) string { return os.Getenv(key) }

func (o *OSEnvLoader) LookupEnv(key string) (string, bool) { return os.LookupEnv(key) }
