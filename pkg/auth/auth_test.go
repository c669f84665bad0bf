package auth_test

import (
	"errors"
	"testing"
	"time"

	"github.com/opst/kite/pkg/auth"
	"github.com/opst/kite/pkg/utils/try"
)

func TestIssuer(t *testing.T) {
	issuer := auth.NewIssuer("s3cret", "kite")

	t.Run("it verifies what it issued", func(t *testing.T) {
		token := try.To(issuer.Issue("alice", []string{"maintainers"}, time.Hour)).OrFatal(t)
		claims := try.To(issuer.Verify(token)).OrFatal(t)

		if claims.Subject != "alice" {
			t.Errorf("unexpected subject: %s", claims.Subject)
		}
		if len(claims.Groups) != 1 || claims.Groups[0] != "maintainers" {
			t.Errorf("unexpected groups: %v", claims.Groups)
		}
	})

	t.Run("a token signed with another secret is rejected", func(t *testing.T) {
		other := auth.NewIssuer("different", "kite")
		token := try.To(other.Issue("mallory", nil, time.Hour)).OrFatal(t)

		if _, err := issuer.Verify(token); !errors.Is(err, auth.ErrInvalidToken) {
			t.Errorf("wants ErrInvalidToken, got %v", err)
		}
	})

	t.Run("an expired token is rejected", func(t *testing.T) {
		token := try.To(issuer.Issue("alice", nil, -time.Minute)).OrFatal(t)
		if _, err := issuer.Verify(token); !errors.Is(err, auth.ErrInvalidToken) {
			t.Errorf("wants ErrInvalidToken, got %v", err)
		}
	})

	t.Run("a token from another issuer is rejected", func(t *testing.T) {
		other := auth.NewIssuer("s3cret", "someone-else")
		token := try.To(other.Issue("alice", nil, time.Hour)).OrFatal(t)
		if _, err := issuer.Verify(token); !errors.Is(err, auth.ErrInvalidToken) {
			t.Errorf("wants ErrInvalidToken, got %v", err)
		}
	})

	t.Run("garbage is rejected", func(t *testing.T) {
		if _, err := issuer.Verify("not-a-token"); !errors.Is(err, auth.ErrInvalidToken) {
			t.Errorf("wants ErrInvalidToken, got %v", err)
		}
	})
}
