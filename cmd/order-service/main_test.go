package main

import (
	"testing"

	log "github.com/sirupsen/logrus"
)

func mapLookup(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestSetupLogger_DefaultsToInfoText(t *testing.T) {
	defer log.SetLevel(log.InfoLevel)

	setupLogger(mapLookup(nil))

	if log.GetLevel() != log.InfoLevel {
		t.Fatalf("expected info level, got %s", log.GetLevel())
	}
	if _, ok := log.StandardLogger().Formatter.(*log.TextFormatter); !ok {
		t.Fatalf("expected text formatter, got %T", log.StandardLogger().Formatter)
	}
}

func TestSetupLogger_LevelAndJSON(t *testing.T) {
	defer func() {
		log.SetLevel(log.InfoLevel)
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}()

	setupLogger(mapLookup(map[string]string{"LOG_LEVEL": " debug ", "LOG_FORMAT": "JSON"}))

	if log.GetLevel() != log.DebugLevel {
		t.Fatalf("expected debug level, got %s", log.GetLevel())
	}
	if _, ok := log.StandardLogger().Formatter.(*log.JSONFormatter); !ok {
		t.Fatalf("expected json formatter, got %T", log.StandardLogger().Formatter)
	}
}

func TestSetupLogger_InvalidLevelFallsBack(t *testing.T) {
	defer log.SetLevel(log.InfoLevel)

	log.SetLevel(log.ErrorLevel)
	setupLogger(mapLookup(map[string]string{"LOG_LEVEL": "chatty"}))

	if log.GetLevel() != log.InfoLevel {
		t.Fatalf("expected fallback to info, got %s", log.GetLevel())
	}
}
