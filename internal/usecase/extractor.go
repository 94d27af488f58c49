package usecase

import (
	"regexp"
	"strings"

	"crm-assistant/internal/domain"
)

// Keyword lexicons for the rule-based extractor. English matching is
// case-insensitive; Chinese keywords match as substrings.
var (
	greetingWords = []string{"你好", "您好", "嗨", "hello", "hi ", "hey"}
	introWords    = []string{"你是谁", "介绍一下", "who are you", "introduce yourself"}
	helpWords     = []string{"帮助", "你能做什么", "help", "what can you do"}
	createWords   = []string{"创建", "新增", "添加", "建立", "create", "add ", "new "}
	searchWords   = []string{"查询", "搜索", "查找", "找", "search", "find", "look up", "lookup"}
	updateWords   = []string{"修改", "更新", "编辑", "update", "edit", "change"}
	orderWords    = []string{"下单", "订单", "购买", "order", "buy"}
	customerWords = []string{"客户", "customer", "contact", "client"}
	productWords  = []string{"产品", "商品", "product", "catalog", "价格"}
)

var (
	emailRe    = regexp.MustCompile(`[A-Za-z0-9_.+-]+@[A-Za-z0-9-]+\.[A-Za-z0-9-.]+`)
	cnMobileRe = regexp.MustCompile(`1[3-9]\d{9}`)
	// nameAfterRe captures the token following a keyword like 客户 or
	// "customer", e.g. "创建客户张三" or "create customer Alice".
	// Han runs are bounded to 3 characters because Chinese text has no
	// word separators; 2-3 characters covers common personal names.
	nameAfterRe = regexp.MustCompile(`(?:客户|customer|contact|client)\s*[:：]?\s*(\p{Han}{1,3}|[A-Za-z0-9_]+)`)
)

// ExtractIntent derives an Intent from the raw utterance using keyword
// lexicons and regular expressions. It never fails; utterances that match
// nothing come back as a low-confidence unknown intent. This is the terminal
// stage of the parse chain and the whole brain of the rule-based fallback
// provider.
func ExtractIntent(text string) domain.Intent {
	lower := strings.ToLower(text)

	switch {
	case containsAny(lower, introWords):
		return domain.Intent{Action: domain.ActionIntroduction, EntityType: domain.EntityNone, Confidence: 0.9}.Normalize()
	case containsAny(lower, helpWords):
		return domain.Intent{Action: domain.ActionHelp, EntityType: domain.EntityNone, Confidence: 0.9}.Normalize()
	case containsAny(lower, greetingWords) || lower == "hi":
		return domain.Intent{Action: domain.ActionGreeting, EntityType: domain.EntityNone, Confidence: 0.9}.Normalize()
	}

	params := contactParams(text)

	switch {
	case containsAny(lower, orderWords):
		return domain.Intent{
			Action:     domain.ActionOrder,
			EntityType: domain.EntityOrder,
			Parameters: params,
			Confidence: 0.75,
		}.Normalize()

	case containsAny(lower, createWords) && containsAny(lower, customerWords):
		if name := extractName(text, params); name != "" {
			params["name"] = name
		}
		return domain.Intent{
			Action:     domain.ActionCreate,
			EntityType: domain.EntityCustomer,
			Parameters: params,
			Confidence: 0.85,
		}.Normalize()

	case containsAny(lower, updateWords) && containsAny(lower, customerWords):
		if name := extractName(text, params); name != "" {
			params["name"] = name
		}
		return domain.Intent{
			Action:     domain.ActionUpdate,
			EntityType: domain.EntityCustomer,
			Parameters: params,
			Confidence: 0.75,
		}.Normalize()

	case containsAny(lower, searchWords) && containsAny(lower, customerWords),
		containsAny(lower, searchWords) && len(params) > 0:
		if name := extractName(text, params); name != "" {
			params["name"] = name
		}
		return domain.Intent{
			Action:     domain.ActionSearch,
			EntityType: domain.EntityCustomer,
			Parameters: params,
			Confidence: 0.8,
		}.Normalize()

	case containsAny(lower, productWords):
		return domain.Intent{
			Action:     domain.ActionSearch,
			EntityType: domain.EntityProduct,
			Confidence: 0.8,
		}.Normalize()
	}

	return domain.Intent{
		Action:     domain.ActionUnknown,
		EntityType: domain.EntityNone,
		Parameters: params,
		Confidence: 0.3,
	}.Normalize()
}

func containsAny(lower string, words []string) bool {
	for _, w := range words {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// contactParams pulls email and phone patterns out of the utterance.
func contactParams(text string) map[string]any {
	params := map[string]any{}
	if m := emailRe.FindString(text); m != "" {
		params["email"] = m
	}
	if m := cnMobileRe.FindString(text); m != "" {
		params["phone"] = m
	}
	return params
}

// extractName finds a plausible customer name token after an entity keyword.
// Tokens that are really the extracted email or phone are skipped.
func extractName(text string, params map[string]any) string {
	m := nameAfterRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	name := strings.TrimSuffix(m[1], "的")
	if name == "" {
		return ""
	}
	if email, ok := params["email"].(string); ok && strings.Contains(email, name) {
		return ""
	}
	if phone, ok := params["phone"].(string); ok && phone == name {
		return ""
	}
	return name
}
