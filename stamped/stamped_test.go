// Copyright 2018-present the LeaseCore Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package stamped

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leasecore/leasecore/lease"
)

func TestNewRejectsAbsentAndUnsupported(t *testing.T) {
	_, err := New("empty", nil)
	assert.ErrorIs(t, err, lease.ErrBadValue)

	_, err = New("listy", []string{"nope"})
	assert.ErrorIs(t, err, lease.ErrTypeMismatch)
}

func TestRenewTimerScenario(t *testing.T) {
	v, err := New("renew-timer", 1000)
	require.NoError(t, err)

	typ, err := v.GetType()
	require.NoError(t, err)
	assert.Equal(t, TypeInteger, typ)

	n, err := v.GetInteger()
	require.NoError(t, err)
	assert.Equal(t, int64(1000), n)

	s, err := v.GetString()
	require.NoError(t, err)
	assert.Equal(t, "1000", s)

	_, err = v.GetBool()
	assert.ErrorIs(t, err, lease.ErrTypeMismatch)
	_, err = v.GetDouble()
	assert.ErrorIs(t, err, lease.ErrTypeMismatch)
}

func TestBoolRendering(t *testing.T) {
	v, err := New("ddns-enabled", true)
	require.NoError(t, err)

	// wire form keeps true/false, GetString renders 1/0
	assert.Equal(t, "true", v.Text())
	s, err := v.GetString()
	require.NoError(t, err)
	assert.Equal(t, "1", s)

	b, err := v.GetBool()
	require.NoError(t, err)
	assert.True(t, b)
}

func TestAbsentValueAccessors(t *testing.T) {
	var v Value
	_, err := v.GetType()
	assert.ErrorIs(t, err, lease.ErrInvalidOperation)
	_, err = v.GetString()
	assert.ErrorIs(t, err, lease.ErrInvalidOperation)
}

func TestToElementLexicalFailure(t *testing.T) {
	v, err := New("t1-percent", "not-a-number")
	require.NoError(t, err)

	_, err = v.ToElement(TypeInteger)
	assert.ErrorIs(t, err, lease.ErrBadValue)
	_, err = v.ToElement(TypeReal)
	assert.ErrorIs(t, err, lease.ErrBadValue)

	el, err := v.ToElement(TypeString)
	require.NoError(t, err)
	assert.Equal(t, "not-a-number", el)
}

func TestElementRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		val  any
		typ  ValueType
	}{
		{"renew-timer", 1000, TypeInteger},
		{"server-hostname", "cfg.example.org", TypeString},
		{"echo-client-id", false, TypeBool},
		{"t2-percent", 0.875, TypeReal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, err := New(tc.name, tc.val)
			require.NoError(t, err)

			el, err := v.ToElement(tc.typ)
			require.NoError(t, err)

			back, err := FromElement(tc.name, el)
			require.NoError(t, err)

			el2, err := back.ToElement(tc.typ)
			require.NoError(t, err)
			assert.Equal(t, el, el2)
		})
	}
}

func TestFromTextValidates(t *testing.T) {
	now := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)

	v, err := FromText("valid-lifetime", "integer", "3600", now)
	require.NoError(t, err)
	n, err := v.GetInteger()
	require.NoError(t, err)
	assert.Equal(t, int64(3600), n)
	assert.Equal(t, now, v.ModifiedAt)

	_, err = FromText("broken", "integer", "zonk", now)
	assert.ErrorIs(t, err, lease.ErrBadValue)
	_, err = FromText("broken", "pointer", "zonk", now)
	assert.ErrorIs(t, err, lease.ErrBadValue)
}
