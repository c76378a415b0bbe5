// Copyright 2025 Lagoon Labs Software
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

package database

import (
	"fmt"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// journalSeq disambiguates entries appended within the same nanosecond
var journalSeq atomic.Uint64

// AppendAudit writes an immutable audit entry under the given scope. Keys
// are ordered by append time so AuditTrail returns entries chronologically
func (d *Database) AppendAudit(scope string, payload []byte) error {
	key := fmt.Sprintf(
		"audit/%s/%020d-%010d",
		scope,
		time.Now().UnixNano(),
		journalSeq.Add(1),
	)
	return d.journal.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), payload)
	})
}

// AuditTrail returns all audit entries for a scope in append order
func (d *Database) AuditTrail(scope string) ([][]byte, error) {
	prefix := []byte(fmt.Sprintf("audit/%s/", scope))
	var entries [][]byte
	err := d.journal.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			entries = append(entries, value)
		}
		return nil
	})
	return entries, err
}
