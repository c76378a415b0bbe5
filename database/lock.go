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
	"github.com/lagoonlabs-io/marmot/database/models"
)

// SetLock inserts or replaces a lock row
func (d *Database) SetLock(lock models.Lock) error {
	return d.metadata.Save(&lock).Error
}

// GetLock fetches a lock by id, returning ErrNotFound when missing
func (d *Database) GetLock(id uint64) (models.Lock, error) {
	var lock models.Lock
	result := d.metadata.First(&lock, "id = ?", id)
	if result.Error != nil {
		return lock, mapNotFound(result.Error)
	}
	return lock, nil
}

// Locks returns all lock rows
func (d *Database) Locks() ([]models.Lock, error) {
	var locks []models.Lock
	result := d.metadata.Order("id").Find(&locks)
	return locks, result.Error
}

// LocksByOwner returns all locks for one owner
func (d *Database) LocksByOwner(owner string) ([]models.Lock, error) {
	var locks []models.Lock
	result := d.metadata.Where("owner = ?", owner).Order("id").Find(&locks)
	return locks, result.Error
}

// NextLockId returns one greater than the highest assigned lock id
func (d *Database) NextLockId() (uint64, error) {
	var maxId uint64
	result := d.metadata.Model(&models.Lock{}).
		Select("COALESCE(MAX(id), 0)").
		Scan(&maxId)
	if result.Error != nil {
		return 0, result.Error
	}
	return maxId + 1, nil
}
