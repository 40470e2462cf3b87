// Copyright 2018-present the LeaseCore Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package config

import (
	"fmt"
)

// ConfigError is an error type returned upon configuration errors.
type ConfigError struct {
	err error
}

// Error returns the error string.
func (e ConfigError) Error() string {
	return e.err.Error()
}

// ConfigErrorFromString returns a ConfigError from the given format string.
func ConfigErrorFromString(format string, args ...interface{}) ConfigError {
	return ConfigError{
		err: fmt.Errorf("configuration error: "+format, args...),
	}
}
