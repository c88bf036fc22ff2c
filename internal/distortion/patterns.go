package distortion

import "regexp"

// rule is one regular expression tied to a severity.
type rule struct {
	re       *regexp.Regexp
	severity Severity
}

// pattern is the evidence set for one distortion family. Keywords are matched
// against lower-cased text as substrings.
type pattern struct {
	family   Family
	keywords []string
	rules    []rule
}

func r(expr string, sev Severity) rule {
	return rule{re: regexp.MustCompile(expr), severity: sev}
}

// builtinPatterns is compiled once at package init and shared read-only by
// every engine.
var builtinPatterns = []pattern{
	{
		family: AllOrNothing,
		keywords: []string{
			"완전히", "전부 다", "아무것도", "하나도", "완벽",
			"completely", "totally", "nothing", "everything", "perfect",
		},
		rules: []rule{
			r(`(완벽하지|완벽하게 못|완벽해야).*(아니면|소용)`, SeverityMedium),
			r(`(전부|모두) 아니면 (전무|아무것도)`, SeverityMedium),
			r(`\b(all or nothing|either perfect or)\b`, SeverityMedium),
			r(`\b(complete|total) (failure|disaster)\b`, SeverityHigh),
		},
	},
	{
		family: Overgeneralization,
		keywords: []string{
			"항상", "맨날", "매번", "언제나", "절대로",
			"always", "every time", "everyone", "nobody",
		},
		rules: []rule{
			r(`(항상|맨날|매번|언제나)\s*\S*\s*(실패|안\s?돼|못|망)`, SeverityMedium),
			r(`(아무도|모두가|다들)\s*(나를|날)`, SeverityMedium),
			r(`\b(always|never)\b.*\b(fail|mess up|screw up|get it wrong)`, SeverityMedium),
			r(`\b(everyone|everybody|nobody|no one)\b.*\b(hates?|ignores?|likes?|cares?)\b`, SeverityMedium),
		},
	},
	{
		family: MentalFilter,
		keywords: []string{
			"나쁜 것만", "안 좋은 것만", "그것만 생각",
			"only the bad", "all i can think about", "can't stop thinking about",
		},
		rules: []rule{
			r(`(실수|잘못)\s*하나(가|때문에).*(망|전부)`, SeverityMedium),
			r(`\bone (mistake|thing)\b.*\b(ruined|ruins|spoiled)\b`, SeverityMedium),
		},
	},
	{
		family: DisqualifyingPositive,
		keywords: []string{
			"운이 좋았을 뿐", "별거 아니", "누구나 할 수",
			"just luck", "doesn't count", "anyone could",
		},
		rules: []rule{
			r(`(칭찬|잘했다).*(그냥|예의상|빈말)`, SeverityLow),
			r(`\b(they|she|he) (was|were) just being nice\b`, SeverityLow),
			r(`\bit (was|is) (only|just) (luck|a fluke)\b`, SeverityMedium),
		},
	},
	{
		family: JumpingToConclusions,
		keywords: []string{
			"틀림없이", "분명히", "뻔해",
			"i just know", "they think i'm", "probably hates",
		},
		rules: []rule{
			r(`(분명|틀림없이)\s*(나를|날)\s*(싫어|무시)`, SeverityMedium),
			r(`(잘 안 될|망할|실패할) (게|것이) (뻔|분명)`, SeverityMedium),
			r(`\b(i know|i'm sure) (it|they|she|he)('ll| will)\b`, SeverityMedium),
		},
	},
	{
		family: Magnification,
		keywords: []string{
			"최악", "끔찍", "끝장", "재앙",
			"disaster", "terrible", "worst", "catastrophe",
		},
		rules: []rule{
			r(`(죽고 싶|살 가치|살 이유가 없)`, SeverityHigh),
			r(`(인생|모든 게|다)\s*(끝장|끝났|망했)`, SeverityHigh),
			r(`\b(want to die|no point (in )?living|end it all)\b`, SeverityHigh),
			r(`\b(my life is|everything is) (over|ruined)\b`, SeverityHigh),
			r(`\b(can't|cannot) (stand|bear) it\b`, SeverityMedium),
		},
	},
	{
		family: EmotionalReasoning,
		keywords: []string{
			"느껴지니까", "그런 기분이니까", "느낌이 들어서",
			"i feel like a", "because i feel",
		},
		rules: []rule{
			r(`(느껴|기분이 들어)(지니까|서)\s*(사실|진짜|분명)`, SeverityMedium),
			r(`\bi feel (stupid|worthless|useless),? so\b`, SeverityMedium),
			r(`\bi feel (it|that),? so it must\b`, SeverityMedium),
		},
	},
	{
		family: ShouldStatements,
		keywords: []string{
			"해야 한다", "해야만", "했어야", "하면 안 돼",
			"should", "must", "ought to",
		},
		rules: []rule{
			r(`(해야|했어야)\s*(한다|해|했는데|만)`, SeverityMedium),
			r(`\bi (should|must|ought to|have to)\b`, SeverityMedium),
			r(`\bi (should have|shouldn't have)\b`, SeverityMedium),
		},
	},
	{
		family: Labeling,
		keywords: []string{
			"실패자", "패배자", "바보", "한심",
			"loser", "failure", "idiot", "worthless",
		},
		rules: []rule{
			r(`(나는|난)\s*(완전|그냥|정말)?\s*(실패자|패배자|바보|루저)`, SeverityMedium),
			r(`(나는|난)\s*(쓸모없는|가치 없는)\s*(사람|인간)`, SeverityHigh),
			r(`\bi('m| am) (a|such a) (loser|failure|idiot)\b`, SeverityMedium),
			r(`\bi('m| am) (worthless|useless|nothing)\b`, SeverityHigh),
		},
	},
	{
		family: Personalization,
		keywords: []string{
			"내 탓", "내 잘못", "나 때문에",
			"my fault", "because of me", "blame myself",
		},
		rules: []rule{
			r(`(다|모두|전부)\s*(내 탓|내 잘못|나 때문)`, SeverityMedium),
			r(`\b(it'?s|it is) (all )?my fault\b`, SeverityMedium),
			r(`\b(everything|it all) (went wrong|happened) because of me\b`, SeverityMedium),
		},
	},
}
