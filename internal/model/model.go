// Package model содержит доменные сущности платформы fundchain.
package model

import "time"

// User представляет зарегистрированного пользователя платформы.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	IsAdmin      bool
	CreatedAt    time.Time
}

// CampaignStatus описывает статус кампании в машине состояний OPEN -> VERIFIED -> CLOSED.
type CampaignStatus string

const (
	StatusOpen     CampaignStatus = "OPEN"
	StatusVerified CampaignStatus = "VERIFIED"
	StatusClosed   CampaignStatus = "CLOSED"
)

// CampaignType описывает категорию кампании.
type CampaignType string

const (
	TypeMedical    CampaignType = "MEDICAL"
	TypeReligious  CampaignType = "RELIGIOUS"
	TypeNGO        CampaignType = "NGO"
	TypeGovernment CampaignType = "GOVERNMENT"
	TypeEducation  CampaignType = "EDUCATION"
	TypeOther      CampaignType = "OTHER"
)

// CampaignTypes перечисляет все допустимые категории в стабильном порядке.
var CampaignTypes = []CampaignType{
	TypeMedical, TypeReligious, TypeNGO, TypeGovernment, TypeEducation, TypeOther,
}

// RecordSource указывает происхождение записи о кампании.
type RecordSource string

const (
	// SourceLedgerConfirmed — запись прочитана из леджера и подтверждена.
	SourceLedgerConfirmed RecordSource = "LEDGER_CONFIRMED"
	// SourceLocalUnconfirmed — запись существует только в локальном кэше.
	SourceLocalUnconfirmed RecordSource = "LOCAL_UNCONFIRMED"
	// SourceSynthesized — детерминированная заглушка, построенная из хэша идентификатора.
	SourceSynthesized RecordSource = "SYNTHESIZED"
)

// Milestone описывает этап кампании. Индекс неизменяем, завершённость меняется только false -> true.
type Milestone struct {
	Index       int
	Title       string
	Description string
	// AmountUnits — сумма этапа в минимальных единицах леджера.
	AmountUnits int64
	IsCompleted bool
}

// Campaign описывает кампанию сбора средств.
type Campaign struct {
	// ID — адрес в леджере (0x...) либо локальный суррогат (local-...).
	ID           string
	Title        string
	Description  string
	CampaignType CampaignType
	// TargetUnits и RaisedUnits — суммы в минимальных единицах леджера.
	TargetUnits  int64
	RaisedUnits  int64
	DonorCount   int
	Status       CampaignStatus
	Owner        string
	ImageRef     string
	DocumentRefs []string
	Milestones   []Milestone
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CampaignView — результат сверки: кампания вместе с происхождением данных.
type CampaignView struct {
	Campaign Campaign
	Source   RecordSource
	// Confirmed — false, пока локальные изменения не подтверждены леджером.
	Confirmed bool
}

// UnitsPerToken — число минимальных единиц в одной единице валюты леджера.
const UnitsPerToken = 100

// ToTokens переводит минимальные единицы в единицы валюты для внешнего API.
func ToTokens(units int64) float64 {
	return float64(units) / UnitsPerToken
}

// ToUnits переводит сумму из внешнего API в минимальные единицы.
func ToUnits(tokens float64) int64 {
	return int64(tokens*UnitsPerToken + 0.5)
}
