package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// 校验失败的具体原因。上层统一映射为 "invalid or expired link"，
// 不向调用方泄露细节。
var (
	ErrMalformed = errors.New("token malformed")
	ErrExpired   = errors.New("token expired")
	ErrSignature = errors.New("token signature mismatch")
)

// Issuer 签发并校验与账户状态绑定的一次性链接 Token。
//
// Token 本身不落库：它由账户 ID、账户的易变状态指纹（密码哈希 + 验证标志）、
// 签发时间与服务端密钥共同派生。校验时用账户的当前状态重新计算签名，
// 因此状态一旦变化（密码修改、邮箱验证完成）旧 Token 即失效。
// 在状态不变的前提下，Token 在有效期内可重复使用（固定窗口模型）。
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer 创建 Token 签发器。ttl <= 0 时默认 24 小时。
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue 为指定账户签发 Token。
//
// state 是账户的易变状态指纹（见 model.User.TokenState）。
func (i *Issuer) Issue(uid uint, state string) string {
	ts := i.now().Unix()
	return encodeTimestamp(ts) + "." + i.sign(uid, state, ts)
}

// Verify 校验 Token 是否仍然有效。
//
// 依次检查编码格式、有效期与签名。签名用账户的当前 state 重新计算，
// 状态变化或 Token 被篡改都会得到 ErrSignature。
func (i *Issuer) Verify(uid uint, tok string, state string) error {
	parts := strings.Split(tok, ".")
	if len(parts) != 2 {
		return ErrMalformed
	}

	ts, err := decodeTimestamp(parts[0])
	if err != nil {
		return ErrMalformed
	}

	now := i.now()
	if ts > now.Unix() {
		return ErrMalformed
	}
	if now.Sub(time.Unix(ts, 0)) > i.ttl {
		return ErrExpired
	}

	expected := i.sign(uid, state, ts)
	if !hmac.Equal([]byte(expected), []byte(parts[1])) {
		return ErrSignature
	}
	return nil
}

func (i *Issuer) sign(uid uint, state string, ts int64) string {
	mac := hmac.New(sha256.New, i.secret)
	fmt.Fprintf(mac, "%d|%s|%d", uid, state, ts)
	return hex.EncodeToString(mac.Sum(nil))
}

func encodeTimestamp(ts int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(ts, 10)))
}

func decodeTimestamp(s string) (int64, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(string(raw), 10, 64)
}

// EncodeUID 将账户 ID 编码为链接中使用的不透明标识。
func EncodeUID(uid uint) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatUint(uint64(uid), 10)))
}

// DecodeUID 解析链接中的账户标识。
func DecodeUID(s string) (uint, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return 0, ErrMalformed
	}
	uid, err := strconv.ParseUint(string(raw), 10, 32)
	if err != nil || uid == 0 {
		return 0, ErrMalformed
	}
	return uint(uid), nil
}
