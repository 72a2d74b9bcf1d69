package models

import "time"

// Sequence — персистентный именованный счётчик. Заменяет счётчики в
// памяти процесса: рестарты и несколько инстансов не расходятся.
type Sequence struct {
	Name  string `gorm:"primaryKey;size:64"`
	Value uint64 `gorm:"not null;default:0"`
}

// JobLock — именованный mutex-ряд для фоновых задач (reconcile).
// Захват живёт до ExpiresAt; упавший владелец не держит блокировку вечно.
type JobLock struct {
	Name      string    `gorm:"primaryKey;size:64"`
	Owner     string    `gorm:"size:64;not null"`
	ExpiresAt time.Time `gorm:"not null"`
}
