package db

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ProgressRepo tracks per-user lesson completion.
type ProgressRepo struct {
	db *gorm.DB
}

func NewProgressRepo(database *gorm.DB) *ProgressRepo {
	return &ProgressRepo{db: database}
}

// MarkComplete records a lesson as completed. Re-completing a lesson
// refreshes the timestamp.
func (r *ProgressRepo) MarkComplete(ctx context.Context, userID, courseID, lessonID string) error {
	progress := LessonProgress{
		UserID:      userID,
		CourseID:    courseID,
		LessonID:    lessonID,
		CompletedAt: time.Now(),
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "course_id"}, {Name: "lesson_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"completed_at"}),
	}).Create(&progress).Error
}

// MarkIncomplete removes a completion record. Removing an absent record
// is a no-op.
func (r *ProgressRepo) MarkIncomplete(ctx context.Context, userID, courseID, lessonID string) error {
	return r.db.WithContext(ctx).
		Where("user_id = ? AND course_id = ? AND lesson_id = ?", userID, courseID, lessonID).
		Delete(&LessonProgress{}).Error
}

// CourseProgress returns all completions for a user within one course.
func (r *ProgressRepo) CourseProgress(ctx context.Context, userID, courseID string) ([]LessonProgress, error) {
	var rows []LessonProgress
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND course_id = ?", userID, courseID).
		Order("completed_at").
		Find(&rows).Error
	return rows, err
}

// CompletedCount returns how many lessons the user finished in a course.
func (r *ProgressRepo) CompletedCount(ctx context.Context, userID, courseID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&LessonProgress{}).
		Where("user_id = ? AND course_id = ?", userID, courseID).
		Count(&count).Error
	return count, err
}
