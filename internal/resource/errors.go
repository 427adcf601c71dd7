// SPDX-License-Identifier: MIT

package resource

import "errors"

var (
	errInvalidThresholds = errors.New("resource: thresholds must be in (0,1) with critical > warning")
	errUnknownResource    = errors.New("resource: unknown resource, want \"cpu\" or \"mem\"")
)
