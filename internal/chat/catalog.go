package chat

import (
	"context"

	"gorm.io/gorm"
)

// DefaultCatalog is the seeded model table. Extend here when a new model
// id goes live; capabilities are declared, never sniffed from the id.
func DefaultCatalog() []ModelInfo {
	return []ModelInfo{
		{ModelID: "mistral-small-latest", Name: "Mistral Small", Description: "Fast general-purpose model", Tools: true, Fast: true},
		{ModelID: "mistral-medium-latest", Name: "Mistral Medium", Description: "Balanced quality and latency", Tools: true},
		{ModelID: "mistral-large-latest", Name: "Mistral Large", Description: "Strongest general model", Tools: true},
		{ModelID: "pixtral-large-latest", Name: "Pixtral Large", Description: "Multimodal model with image understanding", Vision: true, Tools: true},
		{ModelID: "magistral-medium-latest", Name: "Magistral Medium", Description: "Reasoning model for multi-step problems", Reasoning: true},
		{ModelID: "codestral-latest", Name: "Codestral", Description: "Code generation and completion", Tools: true, Fast: true},
	}
}

// SeedModels upserts the catalog; existing rows win on nothing, new ids
// are inserted.
func SeedModels(ctx context.Context, db *gorm.DB) error {
	for _, m := range DefaultCatalog() {
		var existing ModelInfo
		err := db.WithContext(ctx).Where("model_id = ?", m.ModelID).First(&existing).Error
		if err == gorm.ErrRecordNotFound {
			if err := db.WithContext(ctx).Create(&m).Error; err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}
