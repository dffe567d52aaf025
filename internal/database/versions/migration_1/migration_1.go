package migration_1

import (
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Endpoint struct {
	Environment datatypes.JSON
}

func Migration(db *gorm.DB) error {
	if err := db.Migrator().AddColumn(&Endpoint{}, "environment"); err != nil {
		return fmt.Errorf("error adding environment column: %w", err)
	}

	if err := db.Model(&Endpoint{}).
		Where("environment IS NULL").
		Update("environment", datatypes.JSON("{}")).Error; err != nil {
		return fmt.Errorf("error setting default value for environment: %w", err)
	}

	return nil
}

func Rollback(db *gorm.DB) error {
	if err := db.Migrator().DropColumn(&Endpoint{}, "environment"); err != nil {
		return fmt.Errorf("error dropping environment column: %w", err)
	}
	return nil
}
