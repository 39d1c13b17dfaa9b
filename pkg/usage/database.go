package usage

import (
	"github.com/keyamuha-ux/collede/pkg/usagedb"
	"gorm.io/gorm"
)

// NewDatabaseCounter stores counters in the shared relational database.
func NewDatabaseCounter(conn *gorm.DB) Counter {
	return usagedb.NewStore(conn)
}
