/*
 * Copyright (c) 2024, NVIDIA CORPORATION.  All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package mount

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/NVIDIA/nvidia-ctr-inject/pkg/types"
)

// tracker accumulates MountRecords for one driver_mount call and unwinds
// them in reverse order if the call fails partway through.
type tracker struct {
	records []types.MountRecord
}

func (t *tracker) record(r types.MountRecord) {
	t.records = append(t.records, r)
}

// rollback undoes every tracked record, most recent first, best-effort:
// a failure undoing one record doesn't stop the rest from being
// attempted.
func (t *tracker) rollback() {
	for i := len(t.records) - 1; i >= 0; i-- {
		r := t.records[i]
		switch r.Kind {
		case types.MountBind:
			if err := unix.Unmount(r.Path, unix.MNT_DETACH); err != nil {
				log_.Warnf("rollback: detaching mount %s: %v", r.Path, err)
			}
			_ = os.Remove(r.Path)
		case types.MountNodeCreate:
			_ = os.Remove(r.Path)
		case types.MountSymlink:
			_ = os.Remove(r.Path)
		}
	}
	t.records = nil
}

// commit clears the tracker without undoing anything: the whole
// operation succeeded and every record now simply persists.
func (t *tracker) commit() {
	t.records = nil
}
