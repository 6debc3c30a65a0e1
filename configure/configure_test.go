package configure

import (
	"os"
	"testing"
)

func TestNormalizeFlag(t *testing.T) {
	if result := normalizeFlag("Test"); result != "test" {
		t.Errorf("expected 'test', got %#v", result)
	}

	if result := normalizeFlag("TestFlag"); result != "test-flag" {
		t.Errorf("expected 'test-flag', got %#v", result)
	}

	if result := normalizeFlag("TestHTTP"); result != "test-http" {
		t.Errorf("expected 'test-http', got %#v", result)
	}

	if result := normalizeFlag("test_HTTP"); result != "test-http" {
		t.Errorf("expected 'test-http', got %#v", result)
	}
}

type testFlags struct {
	Port    uint `help:"listening port" required:"true"`
	Threads int  `help:"worker count"`
	Help    bool `help:"print usage"`
}

func withArgs(t *testing.T, args []string, fn func()) {
	old := os.Args
	defer func() { os.Args = old }()
	os.Args = append([]string{"pollftpd"}, args...)
	fn()
}

func TestParseBindsFlags(t *testing.T) {
	withArgs(t, []string{"--port", "2121", "--threads", "4"}, func() {
		flags := &testFlags{Threads: 1}
		if err := Parse(flags, "test"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if flags.Port != 2121 {
			t.Errorf("expected Port = 2121, got %d", flags.Port)
		}
		if flags.Threads != 4 {
			t.Errorf("expected Threads = 4, got %d", flags.Threads)
		}
	})
}

func TestParseDefaultsUnsetOptionalFlag(t *testing.T) {
	withArgs(t, []string{"--port", "21"}, func() {
		flags := &testFlags{Threads: 8}
		if err := Parse(flags, "test"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if flags.Threads != 8 {
			t.Errorf("expected default Threads = 8 to survive, got %d", flags.Threads)
		}
	})
}

func TestParseRequiresPort(t *testing.T) {
	withArgs(t, []string{"--threads", "4"}, func() {
		flags := &testFlags{}
		if err := Parse(flags, "test"); err == nil {
			t.Fatalf("expected an error for missing required --port")
		}
	})
}
