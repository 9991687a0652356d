package api

import (
	"context"
	"errors"
	"log/slog"

	"github.com/Sigml/Darowizna/internal/model"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// defaultCategories 是首次启动时写入的默认捐赠分类。
var defaultCategories = []string{
	"ubrania",
	"jedzenie",
	"zabawki",
	"książki",
	"inne",
}

// SeedData 初始化基础数据。
//
// 它负责：
// 1. 按配置创建初始工作人员账号（已存在则保证其工作人员与已验证标记）
// 2. 分类表为空时写入默认分类
func (s *Server) SeedData(ctx context.Context) error {
	if err := s.seedAdmin(ctx); err != nil {
		return err
	}
	return s.seedCategories(ctx)
}

func (s *Server) seedAdmin(ctx context.Context) error {
	email := s.cfg.Security.AdminEmail
	if email == "" {
		return nil
	}

	var user model.User
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if s.cfg.Security.AdminPassword == "" {
			return errors.New("admin_email set but admin_password empty")
		}
		hash, hashErr := bcrypt.GenerateFromPassword([]byte(s.cfg.Security.AdminPassword), bcrypt.DefaultCost)
		if hashErr != nil {
			return hashErr
		}
		user = model.User{
			Email:      email,
			Password:   string(hash),
			FirstName:  "Admin",
			IsStaff:    true,
			IsVerified: true,
		}
		if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
			return err
		}
		s.logger.Info("admin account created", slog.String("email", email))
		return nil
	}

	updates := map[string]interface{}{
		"is_staff":    true,
		"is_verified": true,
	}
	return s.db.WithContext(ctx).Model(&model.User{}).Where("id = ?", user.ID).Updates(updates).Error
}

func (s *Server) seedCategories(ctx context.Context) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&model.Category{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	for _, name := range defaultCategories {
		if err := s.db.WithContext(ctx).Create(&model.Category{Name: name}).Error; err != nil {
			return err
		}
	}
	s.logger.Info("default categories created", slog.Int("count", len(defaultCategories)))
	return nil
}
