package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"verbose": zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestStartupLogger_Event(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	s := NewStartupLogger("yolo5-worker").
		S3Bucket("images", "detect-images").
		Queue("jobs", "https://sqs.example/jobs").
		Feature("redisLock", true).
		Config("mode", "immediate")
	s.event(logger.Info()).Msg("Startup complete")

	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}
	proc, _ := got["process"].(map[string]any)
	if proc["name"] != "yolo5-worker" {
		t.Errorf("process.name = %v", proc["name"])
	}
	res, _ := got["resources"].(map[string]any)
	if _, ok := res["queues"]; !ok {
		t.Errorf("resources.queues missing: %v", res)
	}
	if _, ok := res["dynamoTables"]; ok {
		t.Error("empty resource maps must be omitted")
	}
	feats, _ := got["features"].(map[string]any)
	if feats["redisLock"] != true {
		t.Errorf("features = %v", feats)
	}
}

func TestEnvOrDefault(t *testing.T) {
	t.Setenv("DETECT_TEST_VALUE", "")
	if got := EnvOrDefault("DETECT_TEST_VALUE", "fallback"); got != "fallback" {
		t.Errorf("got %q", got)
	}
	t.Setenv("DETECT_TEST_VALUE", "set")
	if got := EnvOrDefault("DETECT_TEST_VALUE", "fallback"); got != "set" {
		t.Errorf("got %q", got)
	}
}
