package model

import (
	"time"
)

// 机构类型枚举值。
const (
	InstitutionTypeFoundation = 1 // 基金会
	InstitutionTypeNGO        = 2 // 非政府组织
	InstitutionTypeLocalDrive = 3 // 本地募集
)

// InstitutionTypeName 返回机构类型的展示名称。
func InstitutionTypeName(t int) string {
	switch t {
	case InstitutionTypeFoundation:
		return "foundation"
	case InstitutionTypeNGO:
		return "ngo"
	case InstitutionTypeLocalDrive:
		return "local_drive"
	default:
		return "unknown"
	}
}

// Category 表示捐赠物品的分类（如衣物、玩具、书籍）。
type Category struct {
	ID   uint   `gorm:"primaryKey"`                    // 分类 ID
	Name string `gorm:"type:varchar(64);uniqueIndex"`  // 分类名称

	Institutions []Institution `gorm:"many2many:institution_categories"`
}

// Institution 表示接收捐赠的慈善机构。
//
// 机构与分类是多对多关系（通过 institution_categories 表关联），
// 机构被删除时其名下的捐赠记录一并级联删除（见 Server.handleDeleteInstitution）。
type Institution struct {
	ID          uint      `gorm:"primaryKey"` // 机构 ID
	CreatedAt   time.Time // 创建时间
	UpdatedAt   time.Time // 更新时间

	Name        string `gorm:"type:varchar(64);not null"` // 机构名称
	Description string `gorm:"type:text"`                 // 机构简介
	Type        int    `gorm:"not null;default:1"`        // 机构类型 (1: 基金会, 2: NGO, 3: 本地募集)

	Categories []Category `gorm:"many2many:institution_categories"` // 接收的分类
	Donations  []Donation `gorm:"foreignKey:InstitutionID"`         // 名下捐赠记录
}

// Donation 表示一条上门取件的捐赠记录。
//
// 捐赠与分类是多对多关系（通过 donation_categories 表关联）。
// UserID 为弱引用：提交人账户注销后置空，捐赠记录保留。
// TakenTimestamp 使用 autoUpdateTime，记录的是最后一次保存时间
// 而非严格意义上的取件时间（沿袭原有行为）。
type Donation struct {
	ID        uint      `gorm:"primaryKey"` // 捐赠 ID
	CreatedAt time.Time // 创建时间

	Quantity      int    `gorm:"not null"`                  // 袋数（正整数）
	InstitutionID uint   `gorm:"not null"`                  // 接收机构 ID
	Institution   Institution `gorm:"foreignKey:InstitutionID"` // 接收机构
	UserID        *uint  // 提交人 ID（可空）
	Address       string `gorm:"type:varchar(64)"`  // 取件地址
	PhoneNumber   string `gorm:"type:varchar(32)"`  // 联系电话
	City          string `gorm:"type:varchar(64)"`  // 城市
	ZipCode       string `gorm:"type:varchar(10)"`  // 邮编
	PickupDate    time.Time `gorm:"type:date"`      // 取件日期
	PickupTime    string `gorm:"type:varchar(8)"`   // 取件时间 (HH:MM)
	PickupComment string `gorm:"type:text"`         // 备注

	IsTaken        bool      `gorm:"default:false"`   // 是否已被取件
	TakenTimestamp time.Time `gorm:"autoUpdateTime"`  // 最后修改时间（保存即刷新）

	Categories []Category `gorm:"many2many:donation_categories"` // 捐赠物品分类
}

// InstitutionCategory 是机构与分类的关联表（多对多中间表）。
type InstitutionCategory struct {
	InstitutionID uint `gorm:"primaryKey"` // 机构 ID
	CategoryID    uint `gorm:"primaryKey"` // 分类 ID
}

// DonationCategory 是捐赠与分类的关联表（多对多中间表）。
//
// 捐赠创建时与捐赠行在同一事务内写入：不允许出现没有任何分类的捐赠。
type DonationCategory struct {
	DonationID uint `gorm:"primaryKey"` // 捐赠 ID
	CategoryID uint `gorm:"primaryKey"` // 分类 ID

	CreatedAt time.Time // 关联创建时间
}
