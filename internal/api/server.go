package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Sigml/Darowizna/internal/api/auth"
	"github.com/Sigml/Darowizna/internal/api/middleware"
	"github.com/Sigml/Darowizna/internal/config"
	"github.com/Sigml/Darowizna/internal/model"
	"github.com/Sigml/Darowizna/internal/pkg/dedup"
	"github.com/Sigml/Darowizna/internal/pkg/metrics"
	"github.com/Sigml/Darowizna/internal/pkg/notify"
	"github.com/Sigml/Darowizna/internal/pkg/ratelimit"
	"github.com/Sigml/Darowizna/internal/pkg/session"
	"github.com/Sigml/Darowizna/internal/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// Server 封装了 API 服务所需的依赖和路由处理。
//
// 它持有数据库连接、Redis 客户端以及 Gin 路由引擎。
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *gorm.DB
	rdb      *redis.Client
	router   *gin.Engine
	auth     *auth.Handler
	sessions *session.Store

	users     auth.UserStore
	accounts  AccountStore
	donations DonationStore
	catalog   CatalogStore
	deduper   Deduper
}

// DonationStore 定义捐赠记录的写接口（便于测试替换）。
type DonationStore interface {
	// CreateDonation 在单个事务内创建捐赠行及其分类关联。
	CreateDonation(ctx context.Context, donation *model.Donation, categoryIDs []uint) error
	// SetTaken 更新取件状态；记录不存在时返回 gorm.ErrRecordNotFound。
	SetTaken(ctx context.Context, id uint, taken bool) error
}

// CatalogStore 定义目录查询与机构删除接口。
type CatalogStore interface {
	InstitutionByName(ctx context.Context, name string) (*model.Institution, error)
	CategoriesByNames(ctx context.Context, names []string) ([]model.Category, error)
	// DeleteInstitution 删除机构并级联删除其全部捐赠记录（单个事务）；
	// 机构不存在时返回 gorm.ErrRecordNotFound。
	DeleteInstitution(ctx context.Context, institutionID uint) error
}

// AccountStore 定义账户删除接口。
type AccountStore interface {
	// DeleteAccount 先置空该用户捐赠记录的 user_id 再删除账户（单个事务），
	// 保证捐赠历史匿名保留。
	DeleteAccount(ctx context.Context, userID uint) error
}

// Deduper 定义重复提交检查接口。
type Deduper interface {
	IsDuplicate(ctx context.Context, fingerprint string) (bool, error)
	Delete(ctx context.Context, fingerprint string) error
}

type dbUserStore struct {
	db *gorm.DB
}

func (s dbUserStore) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	var user model.User
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (s dbUserStore) FindByID(ctx context.Context, id uint) (*model.User, error) {
	var user model.User
	if err := s.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (s dbUserStore) Create(ctx context.Context, user *model.User) error {
	return s.db.WithContext(ctx).Create(user).Error
}

func (s dbUserStore) Save(ctx context.Context, user *model.User) error {
	return s.db.WithContext(ctx).Save(user).Error
}

func (s dbUserStore) DeleteAccount(ctx context.Context, userID uint) error {
	// 捐赠记录保留：先解除归属再删账号，两步同一事务
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.Donation{}).
			Where("user_id = ?", userID).
			Update("user_id", nil).Error; err != nil {
			return err
		}
		res := tx.Delete(&model.User{}, userID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

type dbDonationStore struct {
	db *gorm.DB
}

func (s dbDonationStore) CreateDonation(ctx context.Context, donation *model.Donation, categoryIDs []uint) error {
	// 捐赠行与分类关联必须同生共死：不允许出现没有分类的捐赠
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Categories", "Institution").Create(donation).Error; err != nil {
			return err
		}
		for _, catID := range categoryIDs {
			link := model.DonationCategory{DonationID: donation.ID, CategoryID: catID}
			if err := tx.Create(&link).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s dbDonationStore) SetTaken(ctx context.Context, id uint, taken bool) error {
	res := s.db.WithContext(ctx).Model(&model.Donation{}).
		Where("id = ?", id).
		Update("is_taken", taken)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

type dbCatalog struct {
	db *gorm.DB
}

func (s dbCatalog) InstitutionByName(ctx context.Context, name string) (*model.Institution, error) {
	var inst model.Institution
	// BINARY: 机构名按大小写精确匹配
	if err := s.db.WithContext(ctx).Where("BINARY name = ?", name).First(&inst).Error; err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s dbCatalog) CategoriesByNames(ctx context.Context, names []string) ([]model.Category, error) {
	var categories []model.Category
	if err := s.db.WithContext(ctx).Where("name IN ?", names).Find(&categories).Error; err != nil {
		return nil, err
	}
	if len(categories) != len(names) {
		return nil, gorm.ErrRecordNotFound
	}
	return categories, nil
}

func (s dbCatalog) DeleteInstitution(ctx context.Context, institutionID uint) error {
	// 删除顺序：捐赠的分类关联 -> 捐赠 -> 机构的分类关联 -> 机构
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var donationIDs []uint
		if err := tx.Model(&model.Donation{}).
			Where("institution_id = ?", institutionID).
			Pluck("id", &donationIDs).Error; err != nil {
			return err
		}
		if len(donationIDs) > 0 {
			if err := tx.Where("donation_id IN ?", donationIDs).Delete(&model.DonationCategory{}).Error; err != nil {
				return err
			}
			if err := tx.Where("institution_id = ?", institutionID).Delete(&model.Donation{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("institution_id = ?", institutionID).Delete(&model.InstitutionCategory{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&model.Institution{}, institutionID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

// NewServer 初始化 API 服务器。
//
// 它负责：
// 1. 连接 MySQL 数据库并执行自动迁移
// 2. 连接 Redis
// 3. 初始化 Gin 路由引擎并注册路由
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	db, err := gorm.Open(mysql.Open(cfg.MySQL.DSN), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(
		&model.User{},
		&model.Category{},
		&model.Institution{},
		&model.InstitutionCategory{},
		&model.Donation{},
		&model.DonationCategory{},
	); err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	metrics.InitMetrics()

	mailer := notify.NewEmailNotifier(&cfg.Email, logger)
	sessions := session.NewStore(rdb)
	mailLimiter := ratelimit.NewLimiter(rdb, logger, "darowizna:ratelimit:mail:", cfg.App.MailRateLimit, cfg.App.MailRateBurst)
	tokens := token.NewIssuer(cfg.Security.TokenSecret, cfg.App.TokenTTL)
	users := dbUserStore{db: db}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		rdb:      rdb,
		router:   r,
		sessions: sessions,
		auth: auth.NewHandler(
			users,
			tokens,
			mailer,
			sessions,
			mailLimiter,
			cfg.Security.JWTSecret,
			cfg.App.BaseURL,
			logger,
		),
		users:     users,
		accounts:  users,
		donations: dbDonationStore{db: db},
		catalog:   dbCatalog{db: db},
		deduper:   dedup.NewDeduplicator(rdb, time.Duration(cfg.App.DedupWindow)*time.Second),
	}
	s.registerRoutes()
	return s, nil
}

// Run 启动 HTTP 服务器并开始监听请求。
func (s *Server) Run() error {
	s.logger.Info("api server listening", slog.String("addr", s.cfg.App.HTTPAddr))
	return s.router.Run(s.cfg.App.HTTPAddr)
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// Close 关闭数据库与缓存连接。
func (s *Server) Close() error {
	var firstErr error
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			firstErr = err
		}
	}
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else {
			if closeErr := sqlDB.Close(); closeErr != nil {
				if firstErr == nil {
					firstErr = closeErr
				}
			}
		}
	}
	return firstErr
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes() {
	// Prometheus metrics 端点
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/healthz", s.handleHealthz)
	s.router.GET("/summary", s.handleSummary)

	s.router.POST("/register", s.auth.Register)
	s.router.POST("/login", s.auth.Login)
	s.router.GET("/verify/:uid/:token", s.auth.VerifyEmail)
	s.router.POST("/verify/resend", s.auth.ResendVerification)
	s.router.POST("/password/forgot", s.auth.ForgotPassword)
	s.router.POST("/password/reset/:uid/:token", s.auth.ResetPassword)

	authed := s.router.Group("/")
	authed.Use(middleware.AuthMiddleware(s.cfg.Security.JWTSecret, s.sessions))
	authed.POST("/logout", s.auth.Logout)
	authed.GET("/me", s.handleGetProfile)
	authed.PATCH("/me", s.handleUpdateProfile)
	authed.POST("/me/delete", s.handleDeleteAccount)
	authed.GET("/donations/form", s.handleDonationForm)
	authed.POST("/donations", s.handleCreateDonation)
	authed.GET("/donations", s.handleListOwnDonations)

	staff := authed.Group("/")
	staff.Use(middleware.StaffRequired())
	staff.GET("/donations/all", s.handleListAllDonations)
	staff.PATCH("/donations/:id/taken", s.handleSetDonationTaken)
	staff.GET("/institutions", s.handleListInstitutions)
	staff.POST("/institutions", s.handleCreateInstitution)
	staff.PATCH("/institutions/:id", s.handleUpdateInstitution)
	staff.DELETE("/institutions/:id", s.handleDeleteInstitution)
	staff.POST("/categories", s.handleCreateCategory)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.db == nil || s.rdb == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	var one int
	if err := s.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error; err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleSummary 返回首页统计数据（捐赠总袋数与机构数）。
func (s *Server) handleSummary(c *gin.Context) {
	var totalQuantity int64
	if err := s.db.WithContext(c.Request.Context()).Model(&model.Donation{}).
		Select("COALESCE(SUM(quantity), 0)").Scan(&totalQuantity).Error; err != nil {
		s.logger.Error("sum donations failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "summary failed"})
		return
	}

	var institutionCount int64
	if err := s.db.WithContext(c.Request.Context()).Model(&model.Institution{}).
		Count(&institutionCount).Error; err != nil {
		s.logger.Error("count institutions failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "summary failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total_quantity":    totalQuantity,
		"institution_count": institutionCount,
	})
}

// getUserID 从上下文取出已认证的用户 ID。
func getUserID(c *gin.Context) uint {
	v, ok := c.Get("userID")
	if !ok {
		return 0
	}
	uid, _ := v.(uint)
	return uid
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
