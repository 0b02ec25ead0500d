package config

import "testing"

func TestValidateRejectsBadThresholdOrdering(t *testing.T) {
	c := &Config{
		Addr:               ":8080",
		DataDir:            "./data",
		MaxConnections:     10,
		CPURejectThreshold: 80,
		CPUPauseThreshold:  70,
		LogLevel:           "info",
		LogFormat:          "json",
	}
	if err := c.Validate(); err == nil {
		t.Fatal("expected validation error when pause threshold is below reject threshold")
	}
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	c := &Config{
		Addr:               ":8080",
		DataDir:            "./data",
		MaxConnections:     10,
		CPURejectThreshold: 70,
		CPUPauseThreshold:  80,
		LogLevel:           "verbose",
		LogFormat:          "json",
	}
	if err := c.Validate(); err == nil {
		t.Fatal("expected validation error for unknown log level")
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	c := &Config{
		Addr:               ":8080",
		DataDir:            "./data",
		MaxConnections:     10000,
		CPURejectThreshold: 75,
		CPUPauseThreshold:  80,
		LogLevel:           "info",
		LogFormat:          "json",
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}
