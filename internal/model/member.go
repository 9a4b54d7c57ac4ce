package model

// TenantMember maps a subject into a tenant with a role. The table is owned by
// the membership service; this process only reads it.
type TenantMember struct {
	TenantID  int64  `gorm:"primaryKey"`
	SubjectID int64  `gorm:"primaryKey;index"`
	Role      string `gorm:"size:32;not null"`
	Alias     string `gorm:"size:128"`
}
