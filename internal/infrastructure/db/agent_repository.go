package db

import (
	"context"
	"errors"

	"github.com/sjq/engine/internal/core/ports"
	"github.com/sjq/engine/internal/domain"
	"github.com/sjq/engine/internal/infrastructure/logger"
	"gorm.io/gorm"
)

type agentRepository struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAgentRepository(db *gorm.DB, log *logger.Logger) ports.AgentRepository {
	return &agentRepository{db: db, log: log}
}

func (r *agentRepository) GetAll(ctx context.Context) ([]domain.Agent, error) {
	var agents []domain.Agent
	if err := r.db.WithContext(ctx).Order("address").Find(&agents).Error; err != nil {
		r.log.Errorw("agent_repo_list_failed", "error", err)
		return nil, err
	}
	r.log.Infow("agent_repo_list_ok", "count", len(agents))
	return agents, nil
}

func (r *agentRepository) Get(ctx context.Context, address string) (*domain.Agent, error) {
	var agent domain.Agent
	if err := r.db.WithContext(ctx).Where("address = ?", address).First(&agent).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		r.log.Errorw("agent_repo_get_failed", "address", address, "error", err)
		return nil, err
	}
	return &agent, nil
}

func (r *agentRepository) Save(ctx context.Context, agent *domain.Agent) error {
	if err := r.db.WithContext(ctx).Save(agent).Error; err != nil {
		r.log.Errorw("agent_repo_save_failed", "address", agent.Address, "error", err)
		return err
	}
	r.log.Debugw("agent_repo_save_ok", "address", agent.Address, "status", agent.Status)
	return nil
}

func (r *agentRepository) Delete(ctx context.Context, address string) error {
	if err := r.db.WithContext(ctx).Where("address = ?", address).Delete(&domain.Agent{}).Error; err != nil {
		r.log.Errorw("agent_repo_delete_failed", "address", address, "error", err)
		return err
	}
	r.log.Infow("agent_repo_delete_ok", "address", address)
	return nil
}
