package hold

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teocoin/settlement/internal/auth"
	"github.com/teocoin/settlement/internal/errs"
	"github.com/teocoin/settlement/internal/ledger"
)

func newService(t *testing.T, funds string) (*Service, *ledger.Ledger) {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore())
	if funds != "" {
		_, err := l.Credit(context.Background(), "student_1", decimal.RequireFromString(funds), ledger.KindCreditMint, "seed", ledger.Refs{})
		require.NoError(t, err)
	}
	return NewService(l, "platform_treasury"), l
}

func TestCreate_InsufficientFunds(t *testing.T) {
	svc, _ := newService(t, "9.99999999")
	_, err := svc.Create(context.Background(), "student_1", decimal.NewFromInt(10), "discount", "snap_1")
	assert.True(t, errors.Is(err, errs.ErrInsufficientFunds))
}

func TestCreate_RetrySameTag(t *testing.T) {
	svc, l := newService(t, "20")
	ctx := context.Background()

	h1, err := svc.Create(ctx, "student_1", decimal.NewFromInt(10), "discount", "snap_1")
	require.NoError(t, err)
	h2, err := svc.Create(ctx, "student_1", decimal.NewFromInt(10), "discount", "snap_1")
	require.NoError(t, err)
	assert.Equal(t, h1.ID, h2.ID)

	bal, _ := l.GetBalance(ctx, "student_1")
	assert.Equal(t, "10", bal.Available.String())
}

func TestCapture_IdempotentAndTerminal(t *testing.T) {
	svc, l := newService(t, "10")
	ctx := context.Background()

	h, err := svc.Create(ctx, "student_1", decimal.NewFromInt(10), "discount", "snap_1")
	require.NoError(t, err)

	first, err := svc.Capture(ctx, h.ID, "")
	require.NoError(t, err)
	second, err := svc.Capture(ctx, h.ID, "")
	require.NoError(t, err)
	assert.Equal(t, first.State, second.State)
	assert.Equal(t, "platform_treasury", second.Beneficiary)

	_, err = svc.Release(ctx, h.ID)
	assert.True(t, errors.Is(err, errs.ErrHoldAlreadyResolved))

	treasury, _ := l.GetBalance(ctx, "platform_treasury")
	assert.Equal(t, "10", treasury.Available.String())
}

func TestRelease_IdempotentAndTerminal(t *testing.T) {
	svc, l := newService(t, "15")
	ctx := context.Background()

	h, err := svc.Create(ctx, "student_1", decimal.NewFromInt(15), "discount", "snap_1")
	require.NoError(t, err)

	_, err = svc.Release(ctx, h.ID)
	require.NoError(t, err)
	_, err = svc.Release(ctx, h.ID)
	require.NoError(t, err)

	_, err = svc.Capture(ctx, h.ID, "")
	assert.True(t, errors.Is(err, errs.ErrHoldAlreadyResolved))

	bal, _ := l.GetBalance(ctx, "student_1")
	assert.Equal(t, "15", bal.Available.String())
}

func TestHandler_GetOwnerOnly(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc, _ := newService(t, "5")
	h, err := svc.Create(context.Background(), "student_1", decimal.NewFromInt(5), "discount", "snap_1")
	require.NoError(t, err)

	for _, tc := range []struct {
		actor string
		want  int
	}{
		{"student_1", http.StatusOK},
		{"student_2", http.StatusForbidden},
	} {
		r := gin.New()
		actor := tc.actor
		r.Use(func(c *gin.Context) { auth.SetActor(c, auth.Actor{UserRef: actor, Role: auth.RoleUser}); c.Next() })
		NewHandler(svc).RegisterProtectedRoutes(r.Group("/v1"))

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/holds/"+h.ID, nil))
		assert.Equal(t, tc.want, w.Code, tc.actor)
	}
}
