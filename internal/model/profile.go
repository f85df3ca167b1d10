// Package model はドメインモデルを定義する。
package model

// Profile はバックエンドが返すアカウント情報を表す。
// IDとEmailはクライアントから変更できない。
type Profile struct {
	ID          int64  `json:"id"`
	Email       string `json:"email"`
	Name        string `json:"name,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Country     string `json:"country,omitempty"`
	IsStaff     bool   `json:"is_staff"`
	IsSuperuser bool   `json:"is_superuser"`
}

// IsAdmin はスタッフまたはスーパーユーザー権限を持つかを返す。
func (p *Profile) IsAdmin() bool {
	if p == nil {
		return false
	}
	return p.IsStaff || p.IsSuperuser
}

// Merge はプロフィール更新APIの応答を現在のプロフィールに取り込んだ新しい値を返す。
// 変更可能な属性は応答の値で置き換える。
// 権限フラグはクライアントから変更できないため、応答が立てている場合のみ反映する。
func (p Profile) Merge(updated Profile) Profile {
	merged := p
	if updated.ID != 0 {
		merged.ID = updated.ID
	}
	if updated.Email != "" {
		merged.Email = updated.Email
	}
	merged.Name = updated.Name
	merged.Phone = updated.Phone
	merged.Country = updated.Country
	merged.IsStaff = p.IsStaff || updated.IsStaff
	merged.IsSuperuser = p.IsSuperuser || updated.IsSuperuser
	return merged
}

// ProfileUpdate は POST /auth/update-profile/ の部分更新ペイロード。
// nilのフィールドは送信しない。
type ProfileUpdate struct {
	FullName *string `json:"full_name,omitempty"`
	Phone    *string `json:"phone,omitempty"`
	Country  *string `json:"country,omitempty"`
}

// IsEmpty は更新対象のフィールドが1つもないかを返す。
func (u ProfileUpdate) IsEmpty() bool {
	return u.FullName == nil && u.Phone == nil && u.Country == nil
}

// Credentials はログインAPIに送る認証情報。
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Registration は POST /auth/register/ のペイロード。
type Registration struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// PasswordChange は POST /auth/change-password/ のペイロード。
type PasswordChange struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// StringPtr はProfileUpdateを組み立てるためのヘルパー。
func StringPtr(s string) *string {
	return &s
}
