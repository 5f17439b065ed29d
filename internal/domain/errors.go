// SPDX-License-Identifier: Apache-2.0

package domain

import "errors"

var ErrInvalidWritePercentage = errors.New("write percentage must be between 0 and 100")
var ErrInvalidSyncMode = errors.New("sync mode must be \"sync\" or \"async\"")
var ErrAtInitialPhase = errors.New("already at the initial migration phase")
var ErrAtTerminalPhase = errors.New("already at the terminal migration phase")
