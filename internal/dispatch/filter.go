// Package dispatch реализует подбор и ранжирование исполнителей для заявки.
package dispatch

import (
	"errors"
	"strings"

	"github.com/mmeshcher/dispatch-system/internal/model"
)

// ErrNoEligibleExpert возвращается, когда для заявки нет ни одного подходящего исполнителя
// на смене. Предлагать исполнителя вне отфильтрованного набора запрещено.
var ErrNoEligibleExpert = errors.New("no eligible expert online")

// Таблицы ключевых слов подбора. Категории в данных заполнены неконсистентно,
// поэтому точного совпадения недостаточно. Состав слов — продуктовое правило,
// менять его можно только осознанно, тесты фиксируют текущую версию.
var (
	electricalKeywords = []string{"fan", "light", "wire", "switch", "ac", "board", "inverter"}
	plumbingKeywords   = []string{"pipe", "tap", "water", "tank", "sink", "motor", "plumbing"}
)

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// Eligible возвращает подмножество исполнителей, подходящих для заявки с указанным
// названием услуги и категорией. Кандидатом может быть только одобренный исполнитель
// на смене с непустой категорией. Исполнитель подходит, если его категория совпадает
// с категорией заявки, входит подстрокой в текст заявки либо срабатывает эвристика
// по ключевым словам (электрика/сантехника).
func Eligible(serviceName, category string, roster []model.Expert) []model.Expert {
	jobService := strings.ToLower(strings.TrimSpace(serviceName))
	jobCat := strings.ToLower(strings.TrimSpace(category))

	var eligible []model.Expert
	for _, exp := range roster {
		if exp.Status != model.ExpertStatusApproved || !exp.IsActive {
			continue
		}

		expCat := strings.ToLower(strings.TrimSpace(exp.ServiceCategory))
		if expCat == "" {
			continue
		}

		match := expCat == jobCat ||
			(jobService != "" && strings.Contains(jobService, expCat)) ||
			(jobCat != "" && strings.Contains(jobCat, expCat)) ||
			(strings.Contains(expCat, "electric") && containsAny(jobService, electricalKeywords)) ||
			(strings.Contains(expCat, "plumb") && containsAny(jobService, plumbingKeywords))

		if match {
			eligible = append(eligible, exp)
		}
	}

	return eligible
}
