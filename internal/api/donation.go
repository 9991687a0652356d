package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Sigml/Darowizna/internal/model"
	"github.com/Sigml/Darowizna/internal/pkg/dedup"
	"github.com/Sigml/Darowizna/internal/pkg/metrics"

	"github.com/gin-gonic/gin"
)

// createDonationRequest 提交捐赠的请求参数。
//
// 字段沿用原有表单命名：organization 为机构名（精确匹配），
// categories 为分类名列表，pickup_date 格式 2006-01-02，pickup_time 格式 15:04。
type createDonationRequest struct {
	Organization  string   `json:"organization"`
	Categories    []string `json:"categories"`
	Quantity      int      `json:"quantity"`
	Address       string   `json:"address"`
	PhoneNumber   string   `json:"phone_number"`
	City          string   `json:"city"`
	ZipCode       string   `json:"zip_code"`
	PickupDate    string   `json:"pickup_date"`
	PickupTime    string   `json:"pickup_time"`
	PickupComment string   `json:"pickup_comment"`
}

type donationResponse struct {
	ID             uint      `json:"id"`
	Quantity       int       `json:"quantity"`
	Institution    string    `json:"institution"`
	Categories     []string  `json:"categories"`
	Address        string    `json:"address"`
	PhoneNumber    string    `json:"phone_number"`
	City           string    `json:"city"`
	ZipCode        string    `json:"zip_code"`
	PickupDate     string    `json:"pickup_date"`
	PickupTime     string    `json:"pickup_time"`
	PickupComment  string    `json:"pickup_comment"`
	IsTaken        bool      `json:"is_taken"`
	TakenTimestamp time.Time `json:"taken_timestamp"`
}

// handleDonationForm 返回捐赠表单所需的目录数据（分类与机构列表）。
//
// GET /donations/form
func (s *Server) handleDonationForm(c *gin.Context) {
	var categories []model.Category
	if err := s.db.WithContext(c.Request.Context()).Order("name").Find(&categories).Error; err != nil {
		s.logger.Error("list categories failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load form data failed"})
		return
	}

	var institutions []model.Institution
	if err := s.db.WithContext(c.Request.Context()).Preload("Categories").Order("name").Find(&institutions).Error; err != nil {
		s.logger.Error("list institutions failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load form data failed"})
		return
	}

	catOut := make([]gin.H, 0, len(categories))
	for _, cat := range categories {
		catOut = append(catOut, gin.H{"id": cat.ID, "name": cat.Name})
	}
	instOut := make([]gin.H, 0, len(institutions))
	for _, inst := range institutions {
		names := make([]string, 0, len(inst.Categories))
		for _, cat := range inst.Categories {
			names = append(names, cat.Name)
		}
		instOut = append(instOut, gin.H{
			"id":         inst.ID,
			"name":       inst.Name,
			"type":       model.InstitutionTypeName(inst.Type),
			"categories": names,
		})
	}

	c.JSON(http.StatusOK, gin.H{"categories": catOut, "institutions": instOut})
}

// handleCreateDonation 处理捐赠提交。
//
// POST /donations
//
// 任何解析/查找/持久化失败统一折叠为一个 "submission failed"，
// 不做逐字段报错（沿袭原有的粗粒度行为）。捐赠行与分类关联
// 在同一事务内写入，失败时不留下部分数据。
func (s *Server) handleCreateDonation(c *gin.Context) {
	userID := getUserID(c)

	var req createDonationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.failSubmission(c, "bind", err)
		return
	}

	if req.Quantity <= 0 {
		s.failSubmission(c, "quantity", nil)
		return
	}
	if len(req.Categories) == 0 {
		s.failSubmission(c, "categories empty", nil)
		return
	}

	institution, err := s.catalog.InstitutionByName(c.Request.Context(), req.Organization)
	if err != nil {
		s.failSubmission(c, "institution lookup", err)
		return
	}
	categories, err := s.catalog.CategoriesByNames(c.Request.Context(), req.Categories)
	if err != nil {
		s.failSubmission(c, "category lookup", err)
		return
	}

	pickupDate, err := time.Parse("2006-01-02", req.PickupDate)
	if err != nil {
		s.failSubmission(c, "pickup date", err)
		return
	}
	if _, err := time.Parse("15:04", req.PickupTime); err != nil {
		s.failSubmission(c, "pickup time", err)
		return
	}

	fingerprint := dedup.Fingerprint(userID, req.Organization, req.Categories, req.PickupDate)
	dup, err := s.deduper.IsDuplicate(c.Request.Context(), fingerprint)
	if err != nil {
		s.logger.Warn("dedup check failed", slog.String("error", err.Error()))
	} else if dup {
		s.logger.Info("donation deduplicated", slog.Uint64("user_id", uint64(userID)))
		metrics.DonationDuplicatePreventedTotal.Inc()
		c.JSON(http.StatusOK, gin.H{"status": "skipped_duplicate"})
		return
	}

	categoryIDs := make([]uint, 0, len(categories))
	for _, cat := range categories {
		categoryIDs = append(categoryIDs, cat.ID)
	}

	donation := model.Donation{
		Quantity:      req.Quantity,
		InstitutionID: institution.ID,
		UserID:        &userID,
		Address:       req.Address,
		PhoneNumber:   req.PhoneNumber,
		City:          req.City,
		ZipCode:       req.ZipCode,
		PickupDate:    pickupDate,
		PickupTime:    req.PickupTime,
		PickupComment: req.PickupComment,
	}

	if err := s.donations.CreateDonation(c.Request.Context(), &donation, categoryIDs); err != nil {
		// 持久化失败后清掉指纹，允许用户立即重试
		if delErr := s.deduper.Delete(c.Request.Context(), fingerprint); delErr != nil {
			s.logger.Warn("dedup delete failed", slog.String("error", delErr.Error()))
		}
		s.failSubmission(c, "persist", err)
		return
	}

	metrics.DonationCreatedTotal.Inc()
	s.logger.Info("donation created",
		slog.Uint64("donation_id", uint64(donation.ID)),
		slog.Uint64("user_id", uint64(userID)),
		slog.String("institution", institution.Name),
	)
	c.JSON(http.StatusCreated, gin.H{"id": donation.ID})
}

func (s *Server) failSubmission(c *gin.Context, stage string, err error) {
	metrics.DonationFailedTotal.Inc()
	if err != nil {
		s.logger.Warn("donation submission failed", slog.String("stage", stage), slog.String("error", err.Error()))
	} else {
		s.logger.Warn("donation submission failed", slog.String("stage", stage))
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "submission failed"})
}

// handleListOwnDonations 返回当前用户的捐赠记录，按取件状态分组。
//
// GET /donations
func (s *Server) handleListOwnDonations(c *gin.Context) {
	userID := getUserID(c)

	var donations []model.Donation
	if err := s.db.WithContext(c.Request.Context()).
		Preload("Categories").Preload("Institution").
		Where("user_id = ?", userID).
		Order("id DESC").
		Find(&donations).Error; err != nil {
		s.logger.Error("list donations failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list donations failed"})
		return
	}

	c.JSON(http.StatusOK, splitByTaken(donations))
}

// handleListAllDonations 返回全部捐赠记录（工作人员视图）。
//
// GET /donations/all
func (s *Server) handleListAllDonations(c *gin.Context) {
	var donations []model.Donation
	if err := s.db.WithContext(c.Request.Context()).
		Preload("Categories").Preload("Institution").
		Order("id DESC").
		Find(&donations).Error; err != nil {
		s.logger.Error("list all donations failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list donations failed"})
		return
	}

	c.JSON(http.StatusOK, splitByTaken(donations))
}

type setTakenRequest struct {
	IsTaken *bool `json:"is_taken" binding:"required"`
}

// handleSetDonationTaken 更新捐赠的取件状态。
//
// PATCH /donations/:id/taken
//
// TakenTimestamp 随本次保存刷新。
func (s *Server) handleSetDonationTaken(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid donation id"})
		return
	}

	var req setTakenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.donations.SetTaken(c.Request.Context(), uint(id), *req.IsTaken); err != nil {
		if isNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		s.logger.Error("set taken failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": id, "is_taken": *req.IsTaken})
}

func splitByTaken(donations []model.Donation) gin.H {
	taken := []donationResponse{}
	untaken := []donationResponse{}
	for _, d := range donations {
		resp := toDonationResponse(d)
		if d.IsTaken {
			taken = append(taken, resp)
		} else {
			untaken = append(untaken, resp)
		}
	}
	return gin.H{"taken": taken, "untaken": untaken}
}

func toDonationResponse(d model.Donation) donationResponse {
	names := make([]string, 0, len(d.Categories))
	for _, cat := range d.Categories {
		names = append(names, cat.Name)
	}
	return donationResponse{
		ID:             d.ID,
		Quantity:       d.Quantity,
		Institution:    d.Institution.Name,
		Categories:     names,
		Address:        d.Address,
		PhoneNumber:    d.PhoneNumber,
		City:           d.City,
		ZipCode:        d.ZipCode,
		PickupDate:     d.PickupDate.Format("2006-01-02"),
		PickupTime:     d.PickupTime,
		PickupComment:  d.PickupComment,
		IsTaken:        d.IsTaken,
		TakenTimestamp: d.TakenTimestamp,
	}
}
