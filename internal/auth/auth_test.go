package auth

import (
	"errors"
	"testing"

	"github.com/danmuck/tdcore/internal/testutil/testlog"
)

func TestStaticTokenValidate(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty token denied", stored: "", input: "abc", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := (StaticToken{Token: tc.stored}).Validate(Credentials{APIToken: tc.input})
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestTokenSet(t *testing.T) {
	testlog.Start(t)
	set := ParseTokenSet(" alpha, ,beta ")
	if len(set) != 2 {
		t.Fatalf("expected 2 tokens, got %v", set)
	}
	if err := set.Validate(Credentials{APIToken: "beta"}); err != nil {
		t.Fatalf("beta rejected: %v", err)
	}
	if err := set.Validate(Credentials{APIToken: "gamma"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("gamma accepted: %v", err)
	}
	if err := (TokenSet{}).Validate(Credentials{}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("empty set accepted: %v", err)
	}
}

func TestMinLayer(t *testing.T) {
	testlog.Start(t)
	v := MinLayer{Layer: 3, Next: StaticToken{Token: "t"}}
	if err := v.Validate(Credentials{APIToken: "t", Layer: 2}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("old layer accepted: %v", err)
	}
	if err := v.Validate(Credentials{APIToken: "t", Layer: 3}); err != nil {
		t.Fatalf("current layer rejected: %v", err)
	}
	if err := (MinLayer{Layer: 1}).Validate(Credentials{Layer: 1}); err != nil {
		t.Fatalf("nil next rejected: %v", err)
	}
}

func TestFuncValidator(t *testing.T) {
	testlog.Start(t)
	validator := FuncValidator(func(c Credentials) error {
		if c.DeviceID != "ok" {
			return ErrUnauthorized
		}
		return nil
	})

	if err := validator.Validate(Credentials{DeviceID: "bad"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for bad device, got %v", err)
	}
	if err := validator.Validate(Credentials{DeviceID: "ok"}); err != nil {
		t.Fatalf("expected success for ok device, got %v", err)
	}
	if err := (AllowAll{}).Validate(Credentials{}); err != nil {
		t.Fatalf("AllowAll rejected: %v", err)
	}
}
