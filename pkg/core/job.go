package core

import (
	"fmt"
	"strings"
	"time"
)

// ExamStatus is the report status of an exam as recorded by the RIS feed.
type ExamStatus string

const (
	ExamFinalized     ExamStatus = "FINALIZED"
	ExamDictated      ExamStatus = "DICTATED"
	ExamPreliminary   ExamStatus = "PRELIMINARY"
	ExamAddended      ExamStatus = "ADDENDED"
	ExamRevised       ExamStatus = "REVISED"
	ExamNonReportable ExamStatus = "NON-REPORTABLE"
	ExamCanceled      ExamStatus = "CANCELED"
	ExamCompleted     ExamStatus = "COMPLETED" // Completed, no report yet
	ExamScheduled     ExamStatus = "SCHEDULED"
	ExamInProgress    ExamStatus = "IN PROGRESS"
)

// Normalize upper-cases and trims a raw status so values coming from
// different feeds compare equal.
func (s ExamStatus) Normalize() ExamStatus {
	return ExamStatus(strings.ToUpper(strings.TrimSpace(string(s))))
}

// Exam is a snapshot of the exam a job prepares content for.
type Exam struct {
	ID              int64      `gorm:"primaryKey"`
	MRN             string     `gorm:"column:mrn;index:idx_exam_patient_acc;size:64"`
	AccessionNumber string     `gorm:"index:idx_exam_patient_acc;size:64"`
	Status          ExamStatus `gorm:"size:32"`
	StatusTimestamp time.Time
}

// Job is a request to stage the images of one exam for transfer.
type Job struct {
	ID             int64     `gorm:"primaryKey"`
	ExamID         int64     `gorm:"index;not null"`
	Exam           *Exam     `gorm:"foreignKey:ExamID"`
	Status         JobStatus `gorm:"index;size:40;not null"`
	StatusMessage  string    `gorm:"type:text"`
	DelayInHours   int       `gorm:"default:0"`
	SendOnComplete bool      `gorm:"default:false"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}

func (j *Job) String() string {
	return fmt.Sprintf("job %d", j.ID)
}

// MRN returns the exam's medical record number or "" when no exam is loaded.
func (j *Job) MRN() string {
	if j.Exam == nil {
		return ""
	}
	return j.Exam.MRN
}

// AccessionNumber returns the exam's accession number or "" when no exam is loaded.
func (j *Job) AccessionNumber() string {
	if j.Exam == nil {
		return ""
	}
	return j.Exam.AccessionNumber
}

// ExamKey identifies an exam by patient and accession number. At most one
// retrieval per key may be active at a time.
type ExamKey struct {
	MRN             string
	AccessionNumber string
}

// Key returns the job's exam key.
func (j *Job) Key() ExamKey {
	return ExamKey{MRN: j.MRN(), AccessionNumber: j.AccessionNumber()}
}

func (k ExamKey) String() string {
	return k.MRN + "/" + k.AccessionNumber
}

// Transaction is one entry of a job's append-only status history.
type Transaction struct {
	ID            int64     `gorm:"primaryKey"`
	JobID         int64     `gorm:"index;not null"`
	Status        JobStatus `gorm:"size:40;not null"`
	StatusMessage string    `gorm:"type:text"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
}

// Device is a remote archive that can be queried and retrieved from.
type Device struct {
	ID      int64  `gorm:"primaryKey"`
	AETitle string `gorm:"column:ae_title;uniqueIndex;size:16;not null"`
	Host    string `gorm:"size:255;not null"`
	Port    int    `gorm:"not null"`
}

func (d Device) String() string {
	return fmt.Sprintf("%s@%s:%d", d.AETitle, d.Host, d.Port)
}

// StudyLookupResult is one study found on a device during discovery.
// ExpectedCount of 0 means the archive did not report a count.
type StudyLookupResult struct {
	StudyUID      string
	Device        Device
	ExpectedCount int
}
