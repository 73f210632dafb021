package domain

import (
	"math"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionStatus_Values(t *testing.T) {
	tests := []struct {
		status   ExecutionStatus
		want     string
		terminal bool
	}{
		{ExecutionStatusPending, "pending", false},
		{ExecutionStatusExecuted, "executed", true},
		{ExecutionStatusFailed, "failed", true},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, string(tt.status))
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
		})
	}
}

func TestNewPaymentRecord_InstallmentBounds(t *testing.T) {
	project := uuid.New()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	amount := decimal.RequireFromString("250.00")

	tests := []struct {
		name        string
		installment int
		total       int
		wantErr     bool
	}{
		{"one-off payment", 0, 0, false},
		{"first of three", 1, 3, false},
		{"last of three", 3, 3, false},
		{"zero of three", 0, 3, true},
		{"four of three", 4, 3, true},
		{"number without total", 2, 0, true},
		{"negative", -1, 3, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := NewPaymentRecord(project, at, amount, tt.installment, tt.total)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidRecord))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, ExecutionStatusPending, rec.Status)
			assert.Nil(t, rec.ExecutedAt)
			assert.Equal(t, tt.installment, rec.Payment.InstallmentNumber)
		})
	}
}

func TestNewPaymentRecord_NegativeAmount(t *testing.T) {
	_, err := NewPaymentRecord(uuid.New(), time.Now(), decimal.NewFromInt(-1), 1, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidRecord))
}

func TestMarkExecuted_SetsExecutedAtOnce(t *testing.T) {
	rec, err := NewCompletionRecord(uuid.New(), time.Now())
	require.NoError(t, err)

	done := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, rec.MarkExecuted(done, nil))

	assert.Equal(t, ExecutionStatusExecuted, rec.Status)
	require.NotNil(t, rec.ExecutedAt)
	assert.True(t, rec.ExecutedAt.Equal(done))
	assert.Empty(t, rec.ErrorMessage)
	assert.NoError(t, rec.Validate())
}

// TestTerminalState_NoFurtherTransitions verifies that once a record leaves
// pending, every further transition is rejected and the record is unchanged.
func TestTerminalState_NoFurtherTransitions(t *testing.T) {
	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	t.Run("executed cannot fail", func(t *testing.T) {
		rec, _ := NewCompletionRecord(uuid.New(), t1)
		require.NoError(t, rec.MarkExecuted(t1, nil))

		err := rec.MarkFailed(t2, "late failure")
		assert.ErrorIs(t, err, ErrTerminalState)
		assert.Equal(t, ExecutionStatusExecuted, rec.Status)
		assert.True(t, rec.ExecutedAt.Equal(t1))
		assert.Empty(t, rec.ErrorMessage)
	})

	t.Run("failed cannot execute", func(t *testing.T) {
		rec, _ := NewCompletionRecord(uuid.New(), t1)
		require.NoError(t, rec.MarkFailed(t1, "ledger unreachable"))

		err := rec.MarkExecuted(t2, nil)
		assert.ErrorIs(t, err, ErrTerminalState)
		assert.Equal(t, ExecutionStatusFailed, rec.Status)
		assert.True(t, rec.ExecutedAt.Equal(t1))
	})

	t.Run("failed cannot fail again", func(t *testing.T) {
		rec, _ := NewCompletionRecord(uuid.New(), t1)
		require.NoError(t, rec.MarkFailed(t1, "first"))
		assert.ErrorIs(t, rec.MarkFailed(t2, "second"), ErrTerminalState)
		assert.Equal(t, "first", rec.ErrorMessage)
	})

	t.Run("terminal cannot be claimed", func(t *testing.T) {
		rec, _ := NewCompletionRecord(uuid.New(), t1)
		require.NoError(t, rec.MarkExecuted(t1, nil))
		assert.ErrorIs(t, rec.Claim("worker-1", t2), ErrTerminalState)
	})
}

func TestMarkExecuted_EffectPayloadRules(t *testing.T) {
	now := time.Now()
	payload := &EffectPayload{
		Economic: Effects{"gdp": 1.5},
		Social:   Effects{"approval": -0.4},
	}

	t.Run("effect requires payload", func(t *testing.T) {
		rec, _ := NewEffectRecord(uuid.New(), now, "")
		assert.ErrorIs(t, rec.MarkExecuted(now, nil), ErrInvalidRecord)
		assert.Equal(t, ExecutionStatusPending, rec.Status)
		assert.Nil(t, rec.ExecutedAt)
	})

	t.Run("payment rejects payload", func(t *testing.T) {
		rec, _ := NewPaymentRecord(uuid.New(), now, decimal.NewFromInt(10), 1, 1)
		assert.ErrorIs(t, rec.MarkExecuted(now, payload), ErrInvalidRecord)
	})

	t.Run("non-finite value rejected", func(t *testing.T) {
		rec, _ := NewEffectRecord(uuid.New(), now, "")
		bad := &EffectPayload{Economic: Effects{"gdp": math.NaN()}, Social: Effects{}}
		assert.ErrorIs(t, rec.MarkExecuted(now, bad), ErrInvalidRecord)
		assert.Nil(t, rec.Effects)
	})

	t.Run("effect populated", func(t *testing.T) {
		rec, _ := NewEffectRecord(uuid.New(), now, "")
		require.NoError(t, rec.MarkExecuted(now, payload))
		assert.Equal(t, 1.5, rec.Effects.Economic["gdp"])
		assert.NoError(t, rec.Validate())
	})
}

func TestMarkFailed_DropsPayloadAndDefaultsMessage(t *testing.T) {
	rec, _ := NewEffectRecord(uuid.New(), time.Now(), "")
	require.NoError(t, rec.MarkFailed(time.Now(), ""))
	assert.Nil(t, rec.Effects)
	assert.Equal(t, "execution failed", rec.ErrorMessage)
	assert.NoError(t, rec.Validate())
}

func TestClaim(t *testing.T) {
	rec, _ := NewCompletionRecord(uuid.New(), time.Now())
	now := time.Now()

	require.NoError(t, rec.Claim("worker-1", now))
	assert.True(t, rec.IsClaimed())

	// Re-claim by the same owner is allowed.
	require.NoError(t, rec.Claim("worker-1", now))

	err := rec.Claim("worker-2", now)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
	assert.Equal(t, "worker-1", rec.ClaimedBy)

	rec.ReleaseClaim()
	require.NoError(t, rec.Claim("worker-2", now))
}

func TestIsDue(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rec, _ := NewCompletionRecord(uuid.New(), at)

	assert.False(t, rec.IsDue(at.Add(-time.Second)))
	assert.True(t, rec.IsDue(at))
	assert.True(t, rec.IsDue(at.Add(time.Minute)))

	require.NoError(t, rec.MarkExecuted(at, nil))
	assert.False(t, rec.IsDue(at.Add(time.Minute)))
}

func TestValidate_ExecutedAtMatchesStatus(t *testing.T) {
	rec, _ := NewCompletionRecord(uuid.New(), time.Now())
	now := time.Now()
	rec.ExecutedAt = &now
	assert.ErrorIs(t, rec.Validate(), ErrInvalidRecord)

	rec.ExecutedAt = nil
	rec.Status = ExecutionStatusFailed
	assert.ErrorIs(t, rec.Validate(), ErrInvalidRecord)
}

func TestValidate_TypeSpecificFields(t *testing.T) {
	rec, _ := NewCompletionRecord(uuid.New(), time.Now())
	rec.Payment = &PaymentDetails{Amount: decimal.NewFromInt(1)}
	assert.ErrorIs(t, rec.Validate(), ErrInvalidRecord)

	pay, _ := NewPaymentRecord(uuid.New(), time.Now(), decimal.NewFromInt(1), 0, 0)
	pay.Payment = nil
	assert.ErrorIs(t, pay.Validate(), ErrInvalidRecord)
}
