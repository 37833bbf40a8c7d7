package passphrase

import "testing"

func TestSourceUsesEnvironment(t *testing.T) {
	t.Setenv("CREDCTL_TEST_PASSPHRASE", "hunter2")
	src := NewSource("CREDCTL_TEST_PASSPHRASE")
	got, err := src.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "hunter2" {
		t.Fatalf("unexpected passphrase %q", got)
	}

	t.Setenv("CREDCTL_TEST_PASSPHRASE", "changed")
	again, err := src.Get()
	if err != nil || again != "hunter2" {
		t.Fatalf("expected cached passphrase, got %q (%v)", again, err)
	}
}

func TestSourceRejectsBlankEnvironment(t *testing.T) {
	t.Setenv("CREDCTL_TEST_PASSPHRASE", "   ")
	if _, err := NewSource("CREDCTL_TEST_PASSPHRASE").Get(); err == nil {
		t.Fatalf("expected blank passphrase to be rejected")
	}
}
