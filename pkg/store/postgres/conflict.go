package postgres

import "gorm.io/gorm/clause"

// onConflictUpdateAll upserts on the primary key, overwriting every column
// with the incoming values. Used by Register so registering a worker id that
// already has a row overwrites it instead of erroring on the duplicate
// primary key.
func onConflictUpdateAll() clause.OnConflict {
	return clause.OnConflict{
		Columns:   []clause.Column{{Name: "worker_id"}},
		UpdateAll: true,
	}
}
