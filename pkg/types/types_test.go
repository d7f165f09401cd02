// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keyguard.
//
// go-keyguard is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAuthSession_Expired(t *testing.T) {
	session := &AuthSession{
		CreatedAtMillis: 1700000000000,
		ExpiresAtMillis: 1700000000000 + 86400000,
	}

	assert.False(t, session.Expired(time.UnixMilli(1700000000000)))
	assert.False(t, session.Expired(time.UnixMilli(1700000000000+86399999)))

	// The expiry instant itself is no longer live.
	assert.True(t, session.Expired(time.UnixMilli(1700000000000+86400000)))
	assert.True(t, session.Expired(time.UnixMilli(1700000000000+86400001)))
}
