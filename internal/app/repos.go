package app

import (
	"gorm.io/gorm"

	"github.com/lessonreel/lessonreel-backend/internal/logger"
	"github.com/lessonreel/lessonreel-backend/internal/repos"
)

type Repos struct {
	ContentRequest repos.ContentRequestRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		ContentRequest: repos.NewContentRequestRepo(db, log),
	}
}
