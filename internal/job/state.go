// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package job

import (
	pkgerrors "jobqueue-platform/pkg/errors"
)

// 与 pkg/errors 共用哨兵，包内引用更短
var (
	ErrNotFound          = pkgerrors.ErrNotFound
	ErrAlreadyExists     = pkgerrors.ErrAlreadyExists
	ErrInvalidTransition = pkgerrors.ErrInvalidTransition
	ErrAdmissionDenied   = pkgerrors.ErrAdmissionDenied
	ErrTaskExecution     = pkgerrors.ErrTaskExecution
	ErrStoreUnavailable  = pkgerrors.ErrStoreUnavailable
	ErrInvalidArg        = pkgerrors.ErrInvalidArg
)

// allowedTransitions 状态机：queued → running → completed|failed，queued → failed；终态不可迁出
var allowedTransitions = map[JobStatus]map[JobStatus]bool{
	StatusQueued: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// CanTransition 判断 from → to 是否合法
func CanTransition(from, to JobStatus) bool {
	return allowedTransitions[from][to]
}

func validateTransition(from, to JobStatus) error {
	if !CanTransition(from, to) {
		return pkgerrors.Wrapf(ErrInvalidTransition, "%s -> %s", from, to)
	}
	return nil
}
