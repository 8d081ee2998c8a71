package app

import (
	"context"

	"github.com/talkincode/toughwa/internal/domain"
	"github.com/talkincode/toughwa/internal/repository"
	"go.uber.org/zap"
)

var defaultTemplates = []domain.Template{
	{
		Title:    "Welcome",
		Category: "Welcome",
		Body:     "Hi {{name}}, thanks for reaching out! We are glad to have you with us. Reply here any time and we will get back to you.",
	},
	{
		Title:    "Quick Start",
		Category: "Welcome",
		Body:     "Hi {{name}}, your account is ready. Tell us what you would like to do first and we will guide you through it.",
	},
	{
		Title:    "Thank You",
		Category: "Thank You",
		Body:     "Thank you {{name}}! We appreciate the time you spent with us. Let us know if there is anything else we can help with.",
	},
	{
		Title:    "Feedback",
		Category: "Thank You",
		Body:     "Thanks again, {{name}}. We would love to hear what worked well for you and what we can improve.",
	},
}

// checkTemplates seeds the shared templates on an empty table
func (a *Application) checkTemplates() {
	ctx := context.Background()
	repo := repository.NewGormTemplateRepository(a.gormDB)

	count, err := repo.Count(ctx)
	if err != nil {
		zap.L().Error("failed to count templates", zap.Error(err))
		return
	}
	if count > 0 {
		return
	}
	for _, t := range defaultTemplates {
		tpl := t
		if err := repo.Create(ctx, &tpl); err != nil {
			zap.L().Error("failed to create default template", zap.String("title", t.Title), zap.Error(err))
			continue
		}
		zap.L().Info("initialized default template", zap.String("title", t.Title))
	}
}
