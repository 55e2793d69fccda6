// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package times

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewDefaults(t *testing.T) {
	tm := New(0, 0)
	assert.Equal(t, DefaultSampleInterval, tm.SampleInterval())
	assert.Equal(t, DefaultSyncInterval, tm.SyncInterval())
	assert.NoError(t, tm.Validate())
}

func TestValidate(t *testing.T) {
	tests := map[string]struct {
		sample, sync time.Duration
		wantErr      bool
	}{
		"ok":            {sample: time.Millisecond, sync: 10 * time.Millisecond},
		"equal":         {sample: time.Millisecond, sync: time.Millisecond},
		"negative":      {sample: -time.Millisecond, sync: time.Second, wantErr: true},
		"sync too fast": {sample: time.Second, sync: time.Millisecond, wantErr: true},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			err := New(test.sample, test.sync).Validate()
			if test.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}
