package setup

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/Dizro/Collaborative-Code-Editor/internal/domain"
)

// tableOptions 所有表统一使用 utf8mb4，文件内容中可能包含任意 Unicode
const tableOptions = "ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_general_ci"

// MigrateDB 迁移用户、房间、操作日志和快照表
func MigrateDB(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("cannot migrate database with nil DB connection")
	}
	models := []interface{}{
		&domain.User{},
		&domain.Room{},
		&domain.OperationRecord{},
		&domain.Snapshot{},
	}
	for _, m := range models {
		if err := db.Set("gorm:table_options", tableOptions).AutoMigrate(m); err != nil {
			logrus.Errorf("Failed to auto-migrate %T: %v", m, err)
			return fmt.Errorf("failed to migrate %T: %w", m, err)
		}
	}
	logrus.Info("Database migration completed successfully")
	return nil
}
