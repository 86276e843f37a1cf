package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402guard/types"
	"gorm.io/gorm"
)

type lines struct {
	out []string
}

func (l *lines) Printf(format string, args ...interface{}) {
	l.out = append(l.out, fmt.Sprintf(format, args...))
}

func TestGormLoggerSkipsRecordNotFound(t *testing.T) {
	ctx := context.Background()
	w := &lines{}
	lg := newGormLogger(w)
	sql := func() (string, int64) { return "SELECT * FROM nonces WHERE value = 'x'", 0 }

	lg.Trace(ctx, time.Now(), sql, gorm.ErrRecordNotFound)
	assert.Empty(t, w.out)

	lg.Trace(ctx, time.Now(), sql, errors.New("database is locked"))
	require.Len(t, w.out, 1)
	assert.Contains(t, w.out[0], "database is locked")
}

func TestOpenSQLiteAbsentRowIsNotFound(t *testing.T) {
	ctx := context.Background()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "nested", "guard.db"))
	require.NoError(t, err)
	require.NoError(t, Migrate(db))

	var n types.Nonce
	err = Translate(db.WithContext(ctx).Where("value = ?", strings.Repeat("0", 32)).First(&n).Error, "nonce lookup")
	assert.True(t, types.IsKind(err, types.KindNotFound))
}

func TestTranslate(t *testing.T) {
	assert.NoError(t, Translate(nil, "x"))

	err := Translate(gorm.ErrDuplicatedKey, "duplicate")
	assert.True(t, types.IsKind(err, types.KindConflict))
	assert.Equal(t, "duplicate", err.Error()[:len("duplicate")])

	assert.ErrorIs(t, Translate(context.Canceled, "x"), context.Canceled)
	assert.True(t, types.IsRetryable(Translate(errors.New("connection refused"), "x")))

	tagged := types.Validationf("bad")
	assert.Same(t, tagged, Translate(tagged, "x"))
}
