package services

import (
	"errors"
	"strings"
	"testing"
)

func TestJobErrorSentinels(t *testing.T) {
	err := activeJobError("job-1")
	if !errors.Is(err, ErrActiveJobExists) {
		t.Errorf("active-job error does not wrap ErrActiveJobExists: %v", err)
	}
	if !strings.Contains(err.Error(), "job-1") {
		t.Errorf("active-job error should name the running job: %v", err)
	}

	err = jobNotFoundError("job-2")
	if !errors.Is(err, ErrJobNotFound) {
		t.Errorf("not-found error does not wrap ErrJobNotFound: %v", err)
	}
	if errors.Is(err, ErrActiveJobExists) {
		t.Errorf("not-found error must not match ErrActiveJobExists")
	}
}
