// internal/service/seed_service.go
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"gorm.io/gorm"

	"go_5_listening_test/internal/middleware"
	"go_5_listening_test/internal/model"
	"go_5_listening_test/internal/repository"
)

// seedTemplate は投入テンプレートファイルの構造です。
// tests → condition_groups → conditions の入れ子で、各 data は
// そのまま格納される不透明なJSON文書です。
type seedTemplate struct {
	Tests []struct {
		Data            json.RawMessage `json:"data"`
		ConditionGroups []struct {
			Data       json.RawMessage `json:"data"`
			Conditions []struct {
				Data json.RawMessage `json:"data"`
			} `json:"conditions"`
		} `json:"condition_groups"`
	} `json:"tests"`
}

// SeedService はテスト定義の初期投入を行います
type SeedService interface {
	// Seed はテンプレートファイルからテスト定義を投入します。
	// 既にテストが1件でも存在する場合は何もしません (再起動しても安全)。
	Seed(ctx context.Context, templateFile string) error
}

type seedService struct {
	db       *gorm.DB
	testRepo repository.TestRepository
	condRepo repository.ConditionRepository
}

func NewSeedService(db *gorm.DB, testRepo repository.TestRepository, condRepo repository.ConditionRepository) SeedService {
	return &seedService{db: db, testRepo: testRepo, condRepo: condRepo}
}

func (s *seedService) Seed(ctx context.Context, templateFile string) error {
	logger := middleware.GetLogger(ctx)

	count, err := s.testRepo.CountTests(ctx, s.db)
	if err != nil {
		return err
	}
	if count > 0 {
		logger.Info("Seed skipped, tests already exist", "count", count)
		return nil
	}

	raw, err := os.ReadFile(templateFile)
	if err != nil {
		return fmt.Errorf("seed: read template %s: %w", templateFile, err)
	}

	var template seedTemplate
	if err := json.Unmarshal(raw, &template); err != nil {
		return fmt.Errorf("seed: parse template %s: %w", templateFile, err)
	}
	if len(template.Tests) == 0 {
		return fmt.Errorf("seed: template %s contains no tests", templateFile)
	}

	var nTests, nGroups, nConditions int
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, testDef := range template.Tests {
			test := &model.Test{Data: []byte(testDef.Data)}
			if err := s.testRepo.CreateTest(ctx, tx, test); err != nil {
				return err
			}
			nTests++

			for _, groupDef := range testDef.ConditionGroups {
				// 文書構造の崩れは投入時に弾く
				var doc model.GroupDoc
				if err := json.Unmarshal(groupDef.Data, &doc); err != nil {
					return fmt.Errorf("seed: invalid condition group document: %w", err)
				}

				group := &model.ConditionGroup{TestID: test.ID, Data: []byte(groupDef.Data)}
				if err := s.testRepo.CreateConditionGroup(ctx, tx, group); err != nil {
					return err
				}
				nGroups++

				for _, condDef := range groupDef.Conditions {
					condition := &model.Condition{
						TestID:  test.ID,
						GroupID: group.ID,
						Data:    []byte(condDef.Data),
					}
					if err := s.condRepo.Create(ctx, tx, condition); err != nil {
						return err
					}
					nConditions++
				}
			}
		}
		return nil
	})
	if txErr != nil {
		return txErr
	}

	logger.Info("Seed completed",
		"tests", nTests,
		"condition_groups", nGroups,
		"conditions", nConditions,
	)
	return nil
}
