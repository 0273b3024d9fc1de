package sync

import (
	"context"
	"errors"

	"github.com/schaermu/vaultsync/internal/config"
	"github.com/schaermu/vaultsync/internal/git"
	"github.com/schaermu/vaultsync/internal/lock"
	"github.com/schaermu/vaultsync/internal/replicate"
	"github.com/schaermu/vaultsync/internal/settle"
)

// ErrNoRemote is recorded as a warning when the destination has no remote
// to push to; the backup then only exists locally
var ErrNoRemote = errors.New("remote not configured, backup is local only")

// Error kinds reported in the run summary
const (
	KindConfigurationInvalid = "configuration_invalid"
	KindAuthFailure          = "auth_failure"
	KindMergeConflict        = "merge_conflict"
	KindPushRejected         = "push_rejected"
	KindLockHeld             = "lock_held"
	KindTransfer             = "transfer"
	KindReplicationFailed    = "replication_failed"
	KindSettleTimeout        = "settle_timeout"
	KindLocalOnly            = "local_only"
	KindCanceled             = "canceled"
	KindInternal             = "internal"
)

// Kind classifies err into one of the Kind constants, or "" for nil
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, config.ErrInvalid), errors.Is(err, git.ErrNotRepository):
		return KindConfigurationInvalid
	case errors.Is(err, lock.ErrHeld):
		return KindLockHeld
	case errors.Is(err, git.ErrAuthFailure):
		return KindAuthFailure
	case errors.Is(err, git.ErrMergeConflict):
		return KindMergeConflict
	case errors.Is(err, git.ErrPushRejected):
		return KindPushRejected
	case errors.Is(err, replicate.ErrSourceUnreadable), errors.Is(err, replicate.ErrDestUnwritable):
		return KindReplicationFailed
	case errors.Is(err, replicate.ErrTransfer):
		return KindTransfer
	case errors.Is(err, settle.ErrTimeout):
		return KindSettleTimeout
	case errors.Is(err, ErrNoRemote):
		return KindLocalOnly
	default:
		return KindInternal
	}
}
