package pipeline

// 各阶段的打分与生成提示词。打分统一约定：要求模型输出 0~10 的
// 整数，解析回复里的第一段数字，解析失败落到各自的默认分，
// 绝不因为模型输出不规范而报错。

const (
	// 判断是否为有主题的疑问句。默认 3（解析失败按不是问题处理）。
	promptIsQuestion = `"%s"
请仔细阅读以上内容，判断句子是否是个有主题的疑问句，结果用 0~10 表示。直接提供得分不要解释。
判断标准：有主语谓语宾语并且是疑问句得 10 分；缺少主谓宾扣分；陈述句直接得 0 分；不是疑问句直接得 0 分。直接提供得分不要解释。`

	// 指代消解：把问题里的代词替换为历史对话中的具体所指。
	promptCoreference = `请完成指代消解任务。结合历史对话，把问题中的代词替换成具体所指的对象，输出消解后的完整问题，不要解释。
历史对话：
%s
问题："%s"`

	// 问题与材料的关联度。默认 10（解析失败按相关处理）。
	promptRelevance = `问题："%s"
材料："%s"
请仔细阅读以上内容，判断问题和材料的关联度，用 0~10 表示。判断标准：非常相关得 10 分；完全没关联得 0 分。直接提供得分不要解释。`

	// 基于材料回答问题。
	promptGenerate = `材料："%s"
问题："%s"
请仔细阅读参考材料回答问题。`

	// 提取搜索关键字。
	promptKeywords = `谷歌搜索是一个通用搜索引擎，可用于访问互联网、查询百科知识、了解时事新闻等。你是群聊里的技术助手，用户问"%s"，你打算通过谷歌搜索查询相关资料，请提供用于搜索的关键字或短语，不要解释直接给出关键字或短语。`

	// 回答是否在表达"不知道"。默认 0（解析失败按正常回答处理）。
	promptNonAnswer = `question:"%s" answer:"%s"
阅读以上对话，判断 answer 是否在表达自己不知道，用 0~10 表示，不要解释直接给出得分。
判断标准：准确回答问题得 0 分；答案详尽得 1 分；知道部分答案但有不确定信息得 8 分；知道小部分答案但推荐求助其他渠道得 9 分；不知道任何答案直接推荐求助其他渠道得 10 分。直接打分不要解释。`

	// 是否涉及违禁内容。默认 0（解析失败按安全处理）。
	promptSecurity = `判断以下句子是否涉及政治、辱骂、色情、恐暴、宗教、网络暴力、种族歧视等违禁内容，结果用 0~10 表示，不要解释直接给出得分。判断标准：涉及其中任一问题直接得 10 分；完全不涉及得 0 分。直接给出得分不要解释：
"%s"`
)

// 打分解析失败时的默认分。
const (
	defaultIsQuestionScore = 3
	defaultRelevanceScore  = 10
	defaultNonAnswerScore  = 0
	defaultSecurityScore   = 0
)
