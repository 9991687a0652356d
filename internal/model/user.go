package model

import "time"

// User 表示系统用户。
type User struct {
	ID         uint      `gorm:"primaryKey"`                    // 用户 ID
	Email      string    `gorm:"type:varchar(191);uniqueIndex"` // 邮箱（唯一，作为登录名）
	Password   string    `gorm:"not null"`                      // bcrypt 哈希
	FirstName  string    `gorm:"type:varchar(64)"`              // 名
	LastName   string    `gorm:"type:varchar(64)"`              // 姓
	IsStaff    bool      `gorm:"default:false"`                 // 是否为工作人员
	IsVerified bool      `gorm:"default:false"`                 // 邮箱是否已验证
	CreatedAt  time.Time // 创建时间

	Donations []Donation `gorm:"foreignKey:UserID"`
}

// TokenState 返回账户的易变状态指纹。
//
// 验证/重置 Token 与该指纹绑定：密码哈希或验证标志一旦变化，
// 之前签发的 Token 即全部失效。
func (u *User) TokenState() string {
	if u.IsVerified {
		return u.Password + ":verified"
	}
	return u.Password + ":unverified"
}
