package intent

import "regexp"

type rule struct {
	id string
	re *regexp.Regexp
}

type ruleSet struct {
	intent Label
	rules  []rule
}

func r(id, pattern string) rule {
	return rule{id: id, re: regexp.MustCompile(`(?i)` + pattern)}
}

// punct is the trailing noise tolerated after an anchored chitchat phrase.
const punct = `[\s!！。.,，~～?？]*`

// ruleTable is evaluated top to bottom; the first set with a matching rule
// wins. Adding an intent means adding a row here.
var ruleTable = []ruleSet{
	{intent: Idle, rules: []rule{
		r("idle.dismiss", `算了|不用了|不需要了|没事了|先不(约|去|组)?了|never\s*mind|forget (it|about it)|no thanks|nothing else`),
		r("idle.farewell", `再见|拜拜|晚安|下次再(说|聊)|\bbye\b|goodbye|good night|see you|talk (to you )?later`),
	}},
	{intent: Chitchat, rules: []rule{
		r("chitchat.greeting", `^\s*(你好|您好|嗨|哈喽|在吗|在不在|早上好|中午好|晚上好|早安|hi|hello|hey|yo|good (morning|afternoon|evening))`+punct+`$`),
		r("chitchat.thanks", `^\s*(谢谢|多谢|感谢|谢啦|好的谢谢|thanks|thank you|thx|cheers)(你|啦|了)?`+punct+`$`),
		r("chitchat.identity", `^\s*(你是谁|你叫什么(名字)?|你是机器人吗|你好吗|who are you|what are you|how are you)`+punct+`$`),
		r("chitchat.laugh", `^\s*(哈{2,}|嘿嘿|呵呵|lol|haha+|ok|好的|嗯+|哦+)`+punct+`$`),
	}},
	{intent: Manage, rules: []rule{
		r("manage.my_events", `我(的|报名的|参加的|发起的|组的|创建的)(活动|局|报名)|我报(名)?了(哪些|什么)|\bmy (events|activities|registrations|bookings)\b`),
		r("manage.cancel_registration", `取消(我的)?(报名|参加)|退出(活动|这个局|那个局)|退报|cancel my (registration|booking|spot)|leave (the|this|that) event`),
	}},
	{intent: Partner, rules: []rule{
		r("partner.find_someone", `找(个|几个|一个)?(人|伴|搭子|饭搭子|队友|球友|同伴)|求(搭子|组队|同行|带)|有没有人(一起|想|要)|谁(想|要)?(跟我|和我)?一起`),
		r("partner.find_someone_en", `\bfind (me )?(someone|somebody|a partner|a buddy|people)\b|\blooking for (someone|somebody|a buddy|a partner|people)\b|\banyone (want|wanna|up for|interested)\b`),
	}},
	{intent: Create, rules: []rule{
		r("create.organize", `发起|组织|开局|组(个|一个|一场|一次)?局|组(个|一个|一场)|办(个|一个|一场|一次)|约(个|一个|一场|一次)?(局|饭|球|活动)`),
		r("create.organize_en", `\b(organi[sz]e|host|set up|start)\b.{0,40}\b(event|session|game|party|meetup|group|gathering|activity|match)\b`),
	}},
	{intent: Explore, rules: []rule{
		r("explore.want_find", `想找|找(个|一个|点)?(活动|局|地方|好玩的)`),
		r("explore.discovery", `有什么|有没有.{0,8}(活动|局|好玩)|好玩|推荐|干点什么|去哪|附近|周边`),
		r("explore.discovery_en", `\b(what'?s on|anything fun|recommend|suggest|things to do|what (can|should) i do|nearby|around here|near me)\b`),
		r("explore.want_verb", `想(要)?(吃|喝|打|玩|看|去)`),
		r("explore.search", `搜(索|一下)?|查(一下|查)|\b(find|search|show me|looking for)\b.{0,30}\b(events?|activities|games?|places?)\b`),
	}},
}

// draftRules apply only while the caller has a draft open.
var draftRules = ruleSet{intent: ModifyDraft, rules: []rule{
	r("modify_draft.publish", `发布|发出去|上线|\bpublish\b|\bpost it\b`),
	r("modify_draft.edit", `改|修改|换(成|到|个)|调整|推迟|提前|延后|人数|标题|地点|\b(change|update|edit|move|reschedule|rename)\b`),
}}

func matchSet(set ruleSet, message string) (string, bool) {
	for _, rl := range set.rules {
		if rl.re.MatchString(message) {
			return rl.id, true
		}
	}
	return "", false
}
