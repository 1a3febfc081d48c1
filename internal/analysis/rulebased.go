package analysis

import (
	"context"
	"fmt"
	"strings"
)

type category struct {
	label    string
	keywords []string
}

var scamCategories = []category{
	{label: "금전 요구", keywords: []string{"송금", "입금", "계좌", "이체", "돈", "원", "만원", "결제", "현금", "비트코인", "코인"}},
	{label: "개인정보 요구", keywords: []string{"비밀번호", "인증번호", "주민등록", "신분증", "계좌번호", "카드번호", "OTP", "본인확인"}},
	{label: "기관 사칭", keywords: []string{"경찰", "검찰", "금감원", "금융감독", "은행", "법원", "세무서", "국세청"}},
	{label: "긴급성 조장", keywords: []string{"급해", "지금 당장", "바로", "즉시", "시간이 없", "빨리", "서둘러", "긴급"}},
	{label: "협박/위협", keywords: []string{"체포", "구속", "벌금", "처벌", "고소", "신고", "블랙리스트", "동결"}},
	{label: linkLabel, keywords: []string{"http://", "https://", "bit.ly", "링크", "클릭", "접속", "다운로드", "앱 설치"}},
	{label: "가족 사칭 가능성", keywords: []string{"엄마", "아빠", "아들", "딸", "아버지", "어머니", "할머니", "할아버지"}},
}

const linkLabel = "의심 링크/앱"

var (
	emergencyKeywords = []string{
		"도움", "살려", "위험", "무서", "협박", "납치", "폭력", "죽",
		"경찰", "신고", "체포", "구속", "감금", "도망", "다쳐",
	}
	cautionKeywords = []string{
		"송금", "입금", "계좌", "돈", "결제", "비밀번호", "인증번호",
		"링크", "클릭", "의심", "이상", "불안", "걱정",
	}
)

var (
	itemContactVictim  = ActionItem{ID: "contact-victim", Title: "피해자에게 직접 연락", Detail: "전화 또는 직접 만나서 상황을 확인하세요. 문자/채팅만으로 판단하지 마세요."}
	itemMonitor        = ActionItem{ID: "monitor", Title: "상황 모니터링", Detail: "현재 위험도가 낮지만 대화 내용을 계속 주시하세요."}
	itemNoTransfer     = ActionItem{ID: "no-transfer", Title: "금전 이체 중지", Detail: "어떤 명목이든 돈을 보내지 않도록 피해자에게 알리세요."}
	itemVerifyIdentity = ActionItem{ID: "verify-identity", Title: "상대방 신원 확인", Detail: "전화를 건 사람이나 메시지를 보낸 사람의 실제 신원을 확인하세요."}
	itemCallPolice     = ActionItem{ID: "call-police", Title: "경찰 신고 (112)", Detail: "피싱 사기가 의심되면 즉시 112에 신고하세요."}
	itemCallFinancial  = ActionItem{ID: "call-financial", Title: "금융감독원 신고 (1332)", Detail: "금융 피해가 의심되면 금융감독원에 신고하세요."}
	itemBlockAccount   = ActionItem{ID: "block-account", Title: "계좌 지급정지 요청", Detail: "이미 송금한 경우, 해당 은행에 즉시 지급정지를 요청하세요."}
	itemNoClick        = ActionItem{ID: "no-click", Title: "링크 클릭 금지", Detail: "의심스러운 링크는 절대 클릭하지 마세요. 악성 앱 설치 위험이 있습니다."}
)

// RuleBased is the keyword classifier. It never fails.
type RuleBased struct{}

func NewRuleBased() RuleBased { return RuleBased{} }

func joinText(messages []Message) string {
	parts := make([]string, len(messages))
	for i, m := range messages {
		parts[i] = m.Text
	}
	return strings.Join(parts, " ")
}

func matchAll(text string, keywords []string) []string {
	var hits []string
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			hits = append(hits, kw)
		}
	}
	return hits
}

// RiskForScore maps a keyword score to a risk level.
func RiskForScore(score int) RiskLevel {
	switch {
	case score >= 5:
		return RiskHigh
	case score >= 2:
		return RiskMedium
	default:
		return RiskLow
	}
}

func (RuleBased) Analyze(_ context.Context, messages []Message) (Result, error) {
	text := joinText(messages)
	signals := []Signal{}
	score := 0
	linkHit := false
	for _, c := range scamCategories {
		hits := matchAll(text, c.keywords)
		if len(hits) == 0 {
			continue
		}
		signals = append(signals, Signal{
			Keyword: c.label,
			Context: "탐지된 키워드: " + strings.Join(hits, ", "),
		})
		score += len(hits)
		if c.label == linkLabel {
			linkHit = true
		}
	}

	risk := RiskForScore(score)
	var summary string
	if len(signals) > 0 {
		labels := make([]string, len(signals))
		for i, s := range signals {
			labels[i] = s.Keyword
		}
		summary = fmt.Sprintf("총 %d개의 메시지를 분석했습니다. %s 패턴이 감지되었습니다. 위험도: %s.",
			len(messages), strings.Join(labels, ", "), risk)
	} else {
		summary = fmt.Sprintf("총 %d개의 메시지를 분석했습니다. 현재까지 뚜렷한 피싱 징후는 발견되지 않았습니다.", len(messages))
	}

	return Result{
		Summary:     summary,
		Risk:        risk,
		Signals:     signals,
		ActionGuide: actionGuide(risk, linkHit),
	}, nil
}

// actionGuide is additive by tier; a link signal adds no-click at every tier.
func actionGuide(risk RiskLevel, linkHit bool) []ActionItem {
	guide := []ActionItem{itemContactVictim}
	switch risk {
	case RiskLow:
		guide = append(guide, itemMonitor)
	case RiskMedium:
		guide = append(guide, itemNoTransfer, itemVerifyIdentity)
	case RiskHigh:
		guide = append(guide, itemNoTransfer, itemVerifyIdentity, itemCallPolice, itemCallFinancial, itemBlockAccount)
	}
	if linkHit {
		guide = append(guide, itemNoClick)
	}
	return guide
}

func (RuleBased) AssessUrgency(_ context.Context, messages []Message) (UrgencyResult, error) {
	text := joinText(messages)
	emergency := matchAll(text, emergencyKeywords)
	caution := matchAll(text, cautionKeywords)

	switch {
	case len(emergency) >= 2:
		return UrgencyResult{Level: UrgencyEmergency, Reason: "긴급 키워드 감지: " + strings.Join(firstN(emergency, 3), ", ")}, nil
	case len(emergency) >= 1 || len(caution) >= 2:
		cited := append(append([]string{}, emergency...), caution...)
		return UrgencyResult{Level: UrgencyCaution, Reason: "주의 키워드 감지: " + strings.Join(firstN(cited, 3), ", ")}, nil
	default:
		return UrgencyResult{Level: UrgencySafe, Reason: "뚜렷한 위험 징후가 발견되지 않았습니다."}, nil
	}
}

func firstN(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
