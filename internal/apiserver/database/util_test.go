package database

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestTranslateError(t *testing.T) {
	assert.NoError(t, translateError(nil))
	assert.ErrorIs(t, translateError(gorm.ErrRecordNotFound), ErrNotFound)
	assert.ErrorIs(t, translateError(fmt.Errorf("wrap: %w", gorm.ErrRecordNotFound)), ErrNotFound)

	for _, msg := range []string{
		"UNIQUE constraint failed: users.username_key",
		`ERROR: duplicate key value violates unique constraint "idx_users_email"`,
		"Error 1062 (23000): Duplicate entry 'x' for key 'idx_users_username_key'",
	} {
		err := translateError(errors.New(msg))
		assert.ErrorIs(t, err, ErrDuplicate, msg)
	}
	assert.ErrorIs(t, translateError(gorm.ErrDuplicatedKey), ErrDuplicate)

	other := errors.New("connection reset")
	assert.Equal(t, other, translateError(other))
}

func TestFoldUsername(t *testing.T) {
	assert.Equal(t, FoldUsername("Alice"), FoldUsername("aLICE"))
	assert.Equal(t, FoldUsername(" bob "), FoldUsername("BOB"))
	assert.NotEqual(t, FoldUsername("alice"), FoldUsername("alice2"))
}

func TestInviteTier_Role(t *testing.T) {
	assert.Equal(t, RoleAdmin, TierAdmin.Role())
	assert.Equal(t, RoleUser, TierUser.Role())
	assert.True(t, RoleGuest.Valid())
	assert.False(t, UserRole("normal").Valid())
}
