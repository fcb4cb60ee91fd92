package media

// DefaultImageSkipList holds closed-class words that have nothing to
// illustrate: particles, pronouns, measure words, conjunctions and common
// function verbs.
var DefaultImageSkipList = []string{
	// particles
	"的", "了", "吗", "呢", "吧", "啊", "着", "过", "得", "地", "嘛", "呀",
	// pronouns
	"我", "你", "您", "他", "她", "它", "们", "我们", "你们", "他们", "这", "那", "哪", "谁", "自己",
	// measure words
	"个", "些", "位", "只", "条", "张", "本", "次",
	// conjunctions and prepositions
	"和", "与", "或", "而", "但", "跟", "把", "被", "在", "从", "对", "给",
	// adverbs and copula
	"是", "不", "没", "也", "都", "就", "很", "还", "又", "才",
}

// DefaultAudioSkipList is empty: every symbol can be spoken.
var DefaultAudioSkipList = []string{}
