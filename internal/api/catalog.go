package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Sigml/Darowizna/internal/model"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// institutionRequest 创建/修改机构的请求参数。
type institutionRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Type        int      `json:"type"`
	Categories  []string `json:"categories"`
}

// handleListInstitutions 返回全部机构（工作人员视图）。
//
// GET /institutions
func (s *Server) handleListInstitutions(c *gin.Context) {
	var institutions []model.Institution
	if err := s.db.WithContext(c.Request.Context()).Preload("Categories").Order("name").Find(&institutions).Error; err != nil {
		s.logger.Error("list institutions failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list institutions failed"})
		return
	}

	out := make([]gin.H, 0, len(institutions))
	for _, inst := range institutions {
		out = append(out, institutionJSON(inst))
	}
	c.JSON(http.StatusOK, gin.H{"institutions": out})
}

// handleCreateInstitution 创建机构。
//
// POST /institutions
func (s *Server) handleCreateInstitution(c *gin.Context) {
	var req institutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	if !validInstitutionType(req.Type) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid institution type"})
		return
	}

	categories, err := s.catalog.CategoriesByNames(c.Request.Context(), req.Categories)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown category"})
		return
	}

	institution := model.Institution{
		Name:        req.Name,
		Description: req.Description,
		Type:        req.Type,
	}
	err = s.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Categories").Create(&institution).Error; err != nil {
			return err
		}
		for _, cat := range categories {
			link := model.InstitutionCategory{InstitutionID: institution.ID, CategoryID: cat.ID}
			if err := tx.Create(&link).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("create institution failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create institution failed"})
		return
	}

	s.logger.Info("institution created",
		slog.Uint64("institution_id", uint64(institution.ID)),
		slog.String("name", institution.Name),
	)
	c.JSON(http.StatusCreated, gin.H{"id": institution.ID})
}

// handleUpdateInstitution 修改机构。
//
// PATCH /institutions/:id
//
// 若请求携带 categories 字段，则整组替换分类关联。
func (s *Server) handleUpdateInstitution(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid institution id"})
		return
	}

	var req struct {
		Name        *string   `json:"name"`
		Description *string   `json:"description"`
		Type        *int      `json:"type"`
		Categories  *[]string `json:"categories"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var institution model.Institution
	if err := s.db.WithContext(c.Request.Context()).First(&institution, uint(id)).Error; err != nil {
		if isNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		s.logger.Error("load institution failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update institution failed"})
		return
	}

	if req.Name != nil {
		institution.Name = *req.Name
	}
	if req.Description != nil {
		institution.Description = *req.Description
	}
	if req.Type != nil {
		if !validInstitutionType(*req.Type) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid institution type"})
			return
		}
		institution.Type = *req.Type
	}

	var categories []model.Category
	if req.Categories != nil {
		categories, err = s.catalog.CategoriesByNames(c.Request.Context(), *req.Categories)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown category"})
			return
		}
	}

	err = s.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Categories", "Donations").Save(&institution).Error; err != nil {
			return err
		}
		if req.Categories == nil {
			return nil
		}
		if err := tx.Where("institution_id = ?", institution.ID).Delete(&model.InstitutionCategory{}).Error; err != nil {
			return err
		}
		for _, cat := range categories {
			link := model.InstitutionCategory{InstitutionID: institution.ID, CategoryID: cat.ID}
			if err := tx.Create(&link).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("update institution failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update institution failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

// handleDeleteInstitution 删除机构，级联删除其全部捐赠记录
// （见 CatalogStore.DeleteInstitution）。
//
// DELETE /institutions/:id
func (s *Server) handleDeleteInstitution(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid institution id"})
		return
	}

	if err := s.catalog.DeleteInstitution(c.Request.Context(), uint(id)); err != nil {
		if isNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		s.logger.Error("delete institution failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete institution failed"})
		return
	}

	s.logger.Info("institution deleted", slog.Uint64("institution_id", id))
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

type createCategoryRequest struct {
	Name string `json:"name" binding:"required"`
}

// handleCreateCategory 创建捐赠分类。
//
// POST /categories
func (s *Server) handleCreateCategory(c *gin.Context) {
	var req createCategoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var existing model.Category
	err := s.db.WithContext(c.Request.Context()).Where("name = ?", req.Name).First(&existing).Error
	if err == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "category already exists"})
		return
	}
	if !isNotFound(err) {
		s.logger.Error("check category failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create category failed"})
		return
	}

	category := model.Category{Name: req.Name}
	if err := s.db.WithContext(c.Request.Context()).Create(&category).Error; err != nil {
		s.logger.Error("create category failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create category failed"})
		return
	}

	s.logger.Info("category created", slog.String("name", category.Name))
	c.JSON(http.StatusCreated, gin.H{"id": category.ID, "name": category.Name})
}

func validInstitutionType(t int) bool {
	return t >= model.InstitutionTypeFoundation && t <= model.InstitutionTypeLocalDrive
}

func institutionJSON(inst model.Institution) gin.H {
	names := make([]string, 0, len(inst.Categories))
	for _, cat := range inst.Categories {
		names = append(names, cat.Name)
	}
	return gin.H{
		"id":          inst.ID,
		"name":        inst.Name,
		"description": inst.Description,
		"type":        model.InstitutionTypeName(inst.Type),
		"categories":  names,
	}
}
